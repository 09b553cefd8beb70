package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/agentloop/internal/application"
	"github.com/bnema/agentloop/internal/domain"
)

// loopFlags override loop.* config values for a single run or resume. Only
// flags set on the command line are applied.
type loopFlags struct {
	tier                 string
	fallback             bool
	minIterations        int
	maxIterations        int
	contextResetEvery    int
	maxConsecutiveErrors int
	budget               float64
	sandbox              string
	timeout              time.Duration
}

func (f *loopFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.tier, "tier", "", "Model tier to request (default from loop.tier)")
	flags.BoolVar(&f.fallback, "fallback", true, "Fall back to lower tiers when the requested one is unavailable")
	flags.IntVar(&f.minIterations, "min-iterations", 0, "Ignore the completion marker before this iteration")
	flags.IntVar(&f.maxIterations, "max-iterations", 0, "Stop after this many iterations (0 means unbounded)")
	flags.IntVar(&f.contextResetEvery, "context-reset-every", 0, "Start a fresh agent context every N iterations (0 disables)")
	flags.IntVar(&f.maxConsecutiveErrors, "max-consecutive-errors", 0, "Fail after this many errors in a row")
	flags.Float64Var(&f.budget, "budget", 0, "Stop once reported spend reaches this many USD (0 means unlimited)")
	flags.StringVar(&f.sandbox, "sandbox", "", "Sandbox mode passed through to the agent")
	flags.DurationVar(&f.timeout, "timeout", 0, "Hard timeout for one agent invocation")
}

func (f *loopFlags) apply(cmd *cobra.Command, config *application.LoopConfig) {
	flags := cmd.Flags()
	if flags.Changed("tier") {
		config.Tier = domain.Tier(f.tier)
	}
	if flags.Changed("fallback") {
		config.Fallback = f.fallback
	}
	if flags.Changed("min-iterations") {
		config.MinIterations = f.minIterations
	}
	if flags.Changed("max-iterations") {
		config.MaxIterations = f.maxIterations
	}
	if flags.Changed("context-reset-every") {
		config.ContextResetEvery = f.contextResetEvery
	}
	if flags.Changed("max-consecutive-errors") {
		config.MaxConsecutiveErrors = f.maxConsecutiveErrors
	}
	if flags.Changed("budget") {
		config.Budget = domain.Budget{Ceiling: f.budget}
	}
	if flags.Changed("sandbox") {
		config.SandboxMode = f.sandbox
	}
	if flags.Changed("timeout") {
		config.AgentTimeout = f.timeout
	}
}
