package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLockTimeout         = errors.New("lock timeout")
	ErrCorruptState        = errors.New("corrupt state document")
	ErrNoModelAvailable    = errors.New("no model available")
	ErrRateLimited         = errors.New("rate limited")
	ErrAgentInvocation     = errors.New("agent invocation failed")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrSessionTerminated   = errors.New("session already terminated")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrSessionBusy         = errors.New("session is owned by a live process")
	ErrSessionNotResumable = errors.New("session is not resumable")
	ErrInterrupted         = errors.New("interrupted")
	ErrSecretNotFound      = errors.New("secret not found")
)

type LockTimeoutError struct {
	Path     string
	Waited   time.Duration
	Attempts int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout on %s (waited=%s attempts=%d)", e.Path, e.Waited.Truncate(time.Millisecond), e.Attempts)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state document %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

func (e *CorruptStateError) Is(target error) bool {
	return target == ErrCorruptState
}

type AgentInvocationError struct {
	Model    ModelID
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *AgentInvocationError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("agent invocation on %s timed out", e.Model)
	case e.Err != nil:
		return fmt.Sprintf("agent invocation on %s: %v", e.Model, e.Err)
	default:
		return fmt.Sprintf("agent invocation on %s exited with code %d", e.Model, e.ExitCode)
	}
}

func (e *AgentInvocationError) Unwrap() error {
	return e.Err
}

func (e *AgentInvocationError) Is(target error) bool {
	return target == ErrAgentInvocation
}
