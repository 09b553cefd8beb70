package cmd

import (
	"errors"
	"fmt"

	"github.com/bnema/agentloop/internal/application"
	"github.com/bnema/agentloop/internal/domain"
)

const (
	ExitCompleted          = 0
	ExitInternal           = 1
	ExitMaxIterations      = 2
	ExitBudget             = 3
	ExitFailed             = 4
	ExitRateLimitExhausted = 5
	ExitUsage              = 64
	ExitInterrupted        = 130
)

// ExitError carries the process exit code for a session that ended without
// completing.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func ExitCode(err error) int {
	if err == nil {
		return ExitCompleted
	}

	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, domain.ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, domain.ErrSessionTerminated),
		errors.Is(err, domain.ErrSessionNotResumable),
		errors.Is(err, domain.ErrSessionBusy):
		return ExitUsage
	default:
		return ExitInternal
	}
}

func resultError(result application.RunResult) error {
	session := result.Session
	switch result.Status {
	case domain.SessionCompleted:
		return nil
	case domain.SessionMaxIterations:
		return &ExitError{Code: ExitMaxIterations, Err: fmt.Errorf("session %s stopped after %d iterations without completing", session.ID, session.Iteration)}
	case domain.SessionFailed:
		if result.Reason == domain.ReasonBudget {
			return &ExitError{Code: ExitBudget, Err: fmt.Errorf("session %s failed: %w", session.ID, domain.ErrBudgetExceeded)}
		}
		return &ExitError{Code: ExitFailed, Err: fmt.Errorf("session %s failed: %s", session.ID, result.Reason)}
	case domain.SessionRateLimitExhausted:
		return &ExitError{Code: ExitRateLimitExhausted, Err: fmt.Errorf("session %s gave up waiting for model capacity: %w", session.ID, domain.ErrRateLimited)}
	default:
		return &ExitError{Code: ExitInternal, Err: fmt.Errorf("session %s ended with status %s", session.ID, result.Status)}
	}
}
