package domain

import (
	"fmt"
	"time"
)

type Outcome string

// OutcomeRateLimited is accepted in stored records. The loop itself keeps
// rate-limited attempts out of Iterations and logs them as RateLimitEvents.
const (
	OutcomeProgress    Outcome = "progress"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
	OutcomeComplete    Outcome = "complete"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeProgress, OutcomeRateLimited, OutcomeError, OutcomeComplete:
		return true
	default:
		return false
	}
}

type Tokens struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
}

// Total returns Input + Output + CacheRead + CacheWrite.
func (t Tokens) Total() int64 {
	return t.Input + t.Output + t.CacheRead + t.CacheWrite
}

func (t Tokens) Add(other Tokens) Tokens {
	return Tokens{
		Input:      t.Input + other.Input,
		Output:     t.Output + other.Output,
		CacheRead:  t.CacheRead + other.CacheRead,
		CacheWrite: t.CacheWrite + other.CacheWrite,
	}
}

func (t Tokens) valid() bool {
	return t.Input >= 0 && t.Output >= 0 && t.CacheRead >= 0 && t.CacheWrite >= 0
}

type IterationRecord struct {
	Iteration      int
	AgentSessionID string
	Model          ModelID
	Tier           Tier
	Cost           float64
	Tokens         Tokens
	DurationMs     int64
	Outcome        Outcome
	ExitCode       int
	TimedOut       bool
	ErrorSignature string
	// FilesChanged is nil when no watcher observed the working directory.
	FilesChanged *int
	ContextReset bool
	StartedAt    time.Time
}

func (r IterationRecord) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

func (r IterationRecord) Validate() error {
	if r.Iteration < 1 {
		return fmt.Errorf("iteration must be >= 1")
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	if r.Cost < 0 {
		return fmt.Errorf("cost must be >= 0")
	}
	if !r.Tokens.valid() {
		return fmt.Errorf("token counts must be >= 0")
	}
	if r.DurationMs < 0 {
		return fmt.Errorf("duration must be >= 0")
	}

	return nil
}
