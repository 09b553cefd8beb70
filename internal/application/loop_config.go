package application

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/agentloop/internal/domain"
)

// LoopConfig tunes one loop run. ChangeSettle is how long to wait after the
// agent exits before counting workspace changes, so late watcher events land
// in the iteration that caused them.
type LoopConfig struct {
	Tier                 domain.Tier
	Fallback             bool
	MinIterations        int
	MaxIterations        int
	ContextResetEvery    int
	MaxConsecutiveErrors int
	CompletionMarker     string
	Budget               domain.Budget
	SandboxMode          string
	AgentTimeout         time.Duration
	DefaultCooldown      time.Duration
	MaxCooldownWait      time.Duration
	MaxTotalWait         time.Duration
	PollInterval         time.Duration
	ChangeSettle         time.Duration
	Struggle             domain.StruggleConfig
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Tier:                 domain.TierHigh,
		Fallback:             true,
		MinIterations:        1,
		MaxIterations:        25,
		ContextResetEvery:    10,
		MaxConsecutiveErrors: 5,
		CompletionMarker:     domain.DefaultCompletionMarker,
		AgentTimeout:         30 * time.Minute,
		DefaultCooldown:      time.Minute,
		MaxCooldownWait:      5 * time.Minute,
		MaxTotalWait:         time.Hour,
		PollInterval:         15 * time.Second,
		ChangeSettle:         250 * time.Millisecond,
		Struggle: domain.StruggleConfig{
			Window:             domain.DefaultStruggleWindow,
			MinWorkDuration:    10 * time.Second,
			NonTrivialDuration: 2 * time.Minute,
		},
	}
}

func (c LoopConfig) Validate() error {
	var errs []error
	if c.MinIterations < 0 {
		errs = append(errs, errors.New("min iterations must be >= 0"))
	}
	if c.MaxIterations < 0 {
		errs = append(errs, errors.New("max iterations must be >= 0"))
	}
	if c.MaxIterations > 0 && c.MinIterations > c.MaxIterations {
		errs = append(errs, fmt.Errorf("min iterations (%d) exceeds max iterations (%d)", c.MinIterations, c.MaxIterations))
	}
	if c.ContextResetEvery < 0 {
		errs = append(errs, errors.New("context reset interval must be >= 0"))
	}
	if c.MaxConsecutiveErrors < 1 {
		errs = append(errs, errors.New("max consecutive errors must be >= 1"))
	}
	if strings.TrimSpace(c.CompletionMarker) == "" {
		errs = append(errs, errors.New("completion marker must not be blank"))
	}
	if c.Budget.Ceiling < 0 {
		errs = append(errs, errors.New("budget must be >= 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be > 0"))
	}
	if c.ChangeSettle < 0 {
		errs = append(errs, errors.New("change settle delay must be >= 0"))
	}
	if c.DefaultCooldown <= 0 {
		errs = append(errs, errors.New("default cooldown must be > 0"))
	}
	if strings.TrimSpace(string(c.Tier)) == "" {
		errs = append(errs, errors.New("tier is required"))
	}

	return errors.Join(errs...)
}

// resetsContext reports whether iteration starts a fresh agent context.
func (c LoopConfig) resetsContext(iteration int) bool {
	return c.ContextResetEvery > 0 && iteration > 1 && (iteration-1)%c.ContextResetEvery == 0
}
