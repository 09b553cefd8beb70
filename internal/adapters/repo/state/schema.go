package state

import (
	"fmt"
	"time"
)

const (
	currentModelStateVersion = 1
	currentSessionVersion    = 1
	legacyLeaseTokenPrefix   = "legacy-"
)

type modelStatesFileSchema struct {
	Version int                `json:"version"`
	Models  []modelStateSchema `json:"models"`
}

func (s *modelStatesFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentModelStateVersion
	}
	if s.Models == nil {
		s.Models = []modelStateSchema{}
	}
	for i := range s.Models {
		s.Models[i].applyDefaults()
	}
}

func (s modelStatesFileSchema) validateVersion() error {
	if s.Version > currentModelStateVersion {
		return fmt.Errorf("unsupported model state schema version %d (current %d)", s.Version, currentModelStateVersion)
	}

	return nil
}

func (s modelStatesFileSchema) validate() error {
	seen := make(map[string]struct{}, len(s.Models))
	for _, model := range s.Models {
		if model.ModelID == "" {
			return fmt.Errorf("model state entry without model_id")
		}
		if _, ok := seen[model.ModelID]; ok {
			return fmt.Errorf("duplicate model state entry %q", model.ModelID)
		}
		seen[model.ModelID] = struct{}{}
		if model.ActiveCount < 0 {
			return fmt.Errorf("model %q: active_count must be >= 0", model.ModelID)
		}
	}

	return nil
}

type modelStateSchema struct {
	ModelID       string        `json:"model_id"`
	Tier          string        `json:"tier"`
	CooldownUntil *string       `json:"cooldown_until"`
	ActiveCount   int           `json:"active_count"`
	Leases        []leaseSchema `json:"leases"`
	UpdatedAt     string        `json:"updated_at,omitempty"`
}

// applyDefaults backfills anonymous leases for documents that only carried a
// counter, stamped with the entry's updated_at so they age out.
func (s *modelStateSchema) applyDefaults() {
	if s.Leases == nil {
		s.Leases = []leaseSchema{}
	}
	for i := len(s.Leases); i < s.ActiveCount; i++ {
		s.Leases = append(s.Leases, leaseSchema{
			Token:      fmt.Sprintf("%s%d", legacyLeaseTokenPrefix, i),
			AcquiredAt: s.UpdatedAt,
		})
	}
}

type leaseSchema struct {
	Token      string `json:"token"`
	PID        int    `json:"pid,omitempty"`
	Host       string `json:"host,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	AcquiredAt string `json:"acquired_at,omitempty"`
}

type sessionFileSchema struct {
	Version         int                    `json:"version"`
	ID              string                 `json:"id"`
	Status          string                 `json:"status"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	WorkingDir      string                 `json:"working_dir"`
	Prompt          string                 `json:"prompt"`
	SandboxMode     string                 `json:"sandbox_mode,omitempty"`
	StartedAt       string                 `json:"started_at,omitempty"`
	UpdatedAt       string                 `json:"updated_at,omitempty"`
	Iteration       int                    `json:"iteration"`
	Iterations      []iterationSchema      `json:"iterations"`
	TotalCost       float64                `json:"total_cost"`
	Owner           *ownerSchema           `json:"owner"`
	ContextNotes    []contextNoteSchema    `json:"context_notes,omitempty"`
	RateLimitEvents []rateLimitEventSchema `json:"rate_limit_events,omitempty"`
	Resumes         []resumeSchema         `json:"resumes,omitempty"`
}

func (s *sessionFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSessionVersion
	}
	if s.Iterations == nil {
		s.Iterations = []iterationSchema{}
	}
	if s.Iteration < len(s.Iterations) {
		s.Iteration = len(s.Iterations)
	}
}

func (s sessionFileSchema) validateVersion() error {
	if s.Version > currentSessionVersion {
		return fmt.Errorf("unsupported session schema version %d (current %d)", s.Version, currentSessionVersion)
	}

	return nil
}

type iterationSchema struct {
	Iteration      int          `json:"iteration"`
	AgentSessionID string       `json:"agent_session_id,omitempty"`
	Model          string       `json:"model"`
	Tier           string       `json:"tier,omitempty"`
	Cost           float64      `json:"cost"`
	Tokens         tokensSchema `json:"tokens"`
	DurationMs     int64        `json:"duration_ms"`
	Outcome        string       `json:"outcome"`
	ExitCode       int          `json:"exit_code"`
	TimedOut       bool         `json:"timed_out,omitempty"`
	ErrorSignature string       `json:"error_signature,omitempty"`
	FilesChanged   *int         `json:"files_changed"`
	ContextReset   bool         `json:"context_reset,omitempty"`
	StartedAt      string       `json:"started_at,omitempty"`
}

type tokensSchema struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cache_read"`
	CacheWrite int64 `json:"cache_write"`
}

type ownerSchema struct {
	PID       int    `json:"pid"`
	Host      string `json:"host"`
	Token     string `json:"token"`
	ClaimedAt string `json:"claimed_at,omitempty"`
}

type contextNoteSchema struct {
	Text              string  `json:"text"`
	AddedAt           string  `json:"added_at"`
	ConsumedAt        *string `json:"consumed_at"`
	ConsumedIteration int     `json:"consumed_iteration,omitempty"`
}

type rateLimitEventSchema struct {
	Model           string `json:"model"`
	At              string `json:"at"`
	CooldownSeconds int64  `json:"cooldown_seconds"`
	Reason          string `json:"reason,omitempty"`
}

type resumeSchema struct {
	At         string `json:"at"`
	FromStatus string `json:"from_status"`
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return parsed.UTC()
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.UTC().Format(time.RFC3339Nano)
}

func parseOptionalTime(raw *string) time.Time {
	if raw == nil {
		return time.Time{}
	}
	return parseTime(*raw)
}

func formatOptionalTime(value time.Time) *string {
	if value.IsZero() {
		return nil
	}
	formatted := formatTime(value)
	return &formatted
}
