package domain

import (
	"fmt"
	"strings"
	"time"
)

type SessionID string

type SessionStatus string

const (
	SessionRunning            SessionStatus = "running"
	SessionCompleted          SessionStatus = "completed"
	SessionFailed             SessionStatus = "failed"
	SessionMaxIterations      SessionStatus = "max_iterations"
	SessionRateLimitExhausted SessionStatus = "rate_limit_exhausted"
	SessionError              SessionStatus = "error"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionRunning, SessionCompleted, SessionFailed, SessionMaxIterations, SessionRateLimitExhausted, SessionError:
		return true
	default:
		return false
	}
}

func (s SessionStatus) Terminal() bool {
	return s.Valid() && s != SessionRunning
}

// Resumable reports whether a session in this status may be picked up again.
// Completed sessions are final.
func (s SessionStatus) Resumable() bool {
	switch s {
	case SessionRunning, SessionFailed, SessionMaxIterations, SessionRateLimitExhausted, SessionError:
		return true
	default:
		return false
	}
}

// Failure reasons recorded alongside SessionFailed and SessionError.
const (
	ReasonBudget            = "budget"
	ReasonConsecutiveErrors = "consecutive_errors"
	ReasonInternal          = "internal"
)

type SessionOwner struct {
	PID       int
	Host      string
	Token     string
	ClaimedAt time.Time
}

type ContextNote struct {
	Text              string
	AddedAt           time.Time
	ConsumedAt        time.Time
	ConsumedIteration int
}

func (n ContextNote) Pending() bool {
	return n.ConsumedAt.IsZero()
}

// SameNote reports whether other was read from the same injection as n.
func (n ContextNote) SameNote(other ContextNote) bool {
	return n.Text == other.Text && n.AddedAt.Equal(other.AddedAt)
}

type RateLimitEvent struct {
	Model           ModelID
	At              time.Time
	CooldownSeconds int64
	Reason          string
}

type ResumeRecord struct {
	At         time.Time
	FromStatus SessionStatus
}

type Session struct {
	ID              SessionID
	Status          SessionStatus
	FailureReason   string
	WorkingDir      string
	Prompt          string
	SandboxMode     string
	StartedAt       time.Time
	UpdatedAt       time.Time
	Iteration       int
	Iterations      []IterationRecord
	TotalCost       float64
	Owner           *SessionOwner
	ContextNotes    []ContextNote
	RateLimitEvents []RateLimitEvent
	Resumes         []ResumeRecord
}

// LastAgentSessionID returns the agent-side session id of the most recent
// iteration that reported one.
func (s Session) LastAgentSessionID() string {
	for i := len(s.Iterations) - 1; i >= 0; i-- {
		if id := strings.TrimSpace(s.Iterations[i].AgentSessionID); id != "" {
			return id
		}
	}
	return ""
}

func (s Session) PendingContext() []ContextNote {
	pending := make([]ContextNote, 0, len(s.ContextNotes))
	for _, note := range s.ContextNotes {
		if note.Pending() {
			pending = append(pending, note)
		}
	}
	return pending
}

// Age returns how old the session is relative to now, preferring UpdatedAt,
// then StartedAt, then the supplied fallback (usually the file mtime).
func (s Session) Age(now, fallback time.Time) time.Duration {
	switch {
	case !s.UpdatedAt.IsZero():
		return now.Sub(s.UpdatedAt)
	case !s.StartedAt.IsZero():
		return now.Sub(s.StartedAt)
	default:
		return now.Sub(fallback)
	}
}

func (s Session) Validate() error {
	if strings.TrimSpace(string(s.ID)) == "" {
		return fmt.Errorf("id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Iteration < 0 {
		return fmt.Errorf("iteration must be >= 0")
	}
	if s.TotalCost < 0 {
		return fmt.Errorf("total cost must be >= 0")
	}
	for _, record := range s.Iterations {
		if err := record.Validate(); err != nil {
			return fmt.Errorf("iteration %d: %w", record.Iteration, err)
		}
	}

	return nil
}
