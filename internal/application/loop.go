package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

type LoopState string

const (
	StateStarting             LoopState = "starting"
	StateRunning              LoopState = "running"
	StateCooldown             LoopState = "cooldown"
	StateCompleted            LoopState = "completed"
	StateFailed               LoopState = "failed"
	StateMaxIterationsReached LoopState = "max_iterations_reached"
	StateRateLimitExhausted   LoopState = "rate_limit_exhausted"
)

const (
	minCooldownSleep = 100 * time.Millisecond

	// maxLockAttempts bounds how often one state operation is retried after a
	// lock timeout before the session is aborted.
	maxLockAttempts = 5
)

type LoopDeps struct {
	Registry *ModelRegistry
	Sessions *SessionService
	Agent    ports.AgentRunner
	Watcher  ports.ChangeWatcher
	Metrics  ports.LoopMetrics
	Clock    ports.Clock
	Sleeper  ports.Sleeper
	Logger   *slog.Logger
}

// Loop drives one session through repeated agent invocations until a
// terminal state is reached.
type Loop struct {
	registry *ModelRegistry
	sessions *SessionService
	agent    ports.AgentRunner
	watcher  ports.ChangeWatcher
	metrics  ports.LoopMetrics
	clock    ports.Clock
	sleeper  ports.Sleeper
	logger   *slog.Logger
	config   LoopConfig
}

type RunResult struct {
	Session domain.Session
	Status  domain.SessionStatus
	Reason  string
}

func NewLoop(deps LoopDeps, config LoopConfig) (*Loop, error) {
	if deps.Registry == nil || deps.Sessions == nil || deps.Agent == nil {
		return nil, errors.New("loop requires a registry, a session service and an agent runner")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate loop config: %w", err)
	}
	if !deps.Registry.Tiers().Has(config.Tier) {
		return nil, fmt.Errorf("validate loop config: unknown tier %q", config.Tier)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Sleeper == nil {
		deps.Sleeper = ports.SystemSleeper{}
	}

	return &Loop{
		registry: deps.Registry,
		sessions: deps.Sessions,
		agent:    deps.Agent,
		watcher:  deps.Watcher,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		sleeper:  deps.Sleeper,
		logger:   observability.OrDiscard(deps.Logger),
		config:   config,
	}, nil
}

func (l *Loop) Start(ctx context.Context, workingDir, prompt string) (RunResult, error) {
	session, err := l.sessions.Create(ctx, workingDir, prompt, CreateSessionOptions{SandboxMode: l.config.SandboxMode})
	if err != nil {
		return RunResult{}, err
	}
	return l.run(ctx, session)
}

func (l *Loop) Resume(ctx context.Context, id domain.SessionID) (RunResult, error) {
	session, err := l.sessions.Resume(ctx, id)
	if err != nil {
		return RunResult{}, err
	}
	return l.run(ctx, session)
}

type runState struct {
	session           domain.Session
	ownerToken        string
	logger            *slog.Logger
	registry          *ModelRegistry
	tracker           ports.ChangeTracker
	escalateTo        domain.Tier
	consecutiveErrors int
	cooldownWaited    time.Duration
}

func (l *Loop) run(ctx context.Context, session domain.Session) (RunResult, error) {
	rs := &runState{
		session:           session,
		logger:            l.logger.With("session_id", string(session.ID)),
		registry:          l.registry.ForSession(session.ID),
		consecutiveErrors: trailingErrors(session.Iterations),
	}
	if session.Owner != nil {
		rs.ownerToken = session.Owner.Token
	}
	l.transition(rs, StateStarting)

	if l.watcher != nil {
		tracker, err := l.watcher.Watch(ctx, session.WorkingDir)
		if err != nil {
			rs.logger.Warn("workspace change tracking disabled", "error", err)
		} else {
			rs.tracker = tracker
			defer func() {
				if err := tracker.Close(); err != nil {
					rs.logger.Warn("close workspace watcher", "error", err)
				}
			}()
		}
	}

	if result, done, err := l.checkLimits(ctx, rs); done {
		return result, err
	}

	l.transition(rs, StateRunning)
	for {
		if ctx.Err() != nil {
			return l.interrupt(ctx, rs)
		}

		result, done, err := l.step(ctx, rs)
		if done {
			return result, err
		}
	}
}

// step performs one acquisition attempt and, when a model is granted, one
// agent invocation. done is true once the session reached a final outcome
// for this run.
func (l *Loop) step(ctx context.Context, rs *runState) (RunResult, bool, error) {
	requested := l.config.Tier
	if rs.escalateTo != "" {
		requested = rs.escalateTo
	}
	chain := rs.registry.Chain(requested, l.config.Fallback)

	var lease domain.Lease
	err := l.retryContended(ctx, rs, "acquire model", func(ctx context.Context) error {
		var err error
		lease, err = rs.registry.AcquireWithFallback(ctx, requested, l.config.Fallback)
		return err
	})
	if errors.Is(err, domain.ErrNoModelAvailable) {
		return l.cooldown(ctx, rs, chain)
	}
	if err != nil {
		if ctx.Err() != nil {
			result, err := l.interrupt(ctx, rs)
			return result, true, err
		}
		result, err := l.fail(ctx, rs, err)
		return result, true, err
	}
	rs.escalateTo = ""

	iteration := rs.session.Iteration + 1
	logger := rs.logger.With("iteration", iteration, "model", string(lease.Model), "tier", string(lease.Tier))

	reset := l.config.resetsContext(iteration)
	continueSession := ""
	if !reset {
		continueSession = rs.session.LastAgentSessionID()
	}

	var notes []domain.ContextNote
	err = l.retryContended(ctx, rs, "read pending context", func(ctx context.Context) error {
		var err error
		notes, err = l.sessions.PendingContext(ctx, rs.session.ID)
		return err
	})
	if err != nil {
		l.release(ctx, rs, lease)
		if ctx.Err() != nil {
			result, err := l.interrupt(ctx, rs)
			return result, true, err
		}
		result, err := l.fail(ctx, rs, err)
		return result, true, err
	}

	prompt := buildPrompt(promptInput{
		Session:    rs.session,
		Iteration:  iteration,
		Continuing: continueSession != "",
		Reset:      reset,
		Notes:      notes,
		Marker:     l.config.CompletionMarker,
	})

	if rs.tracker != nil {
		rs.tracker.TakeChanges()
	}

	startedAt := l.clock.Now()
	logger.Info("invoking agent", "context_reset", reset, "continuing", continueSession != "")
	agentResult, runErr := l.agent.Run(ctx, ports.AgentRequest{
		SessionID:       rs.session.ID,
		Iteration:       iteration,
		Prompt:          prompt,
		WorkingDir:      rs.session.WorkingDir,
		Model:           lease.Model,
		SandboxMode:     rs.session.SandboxMode,
		ContinueSession: continueSession,
		Timeout:         l.config.AgentTimeout,
	})
	l.release(ctx, rs, lease)

	if ctx.Err() != nil {
		result, err := l.interrupt(ctx, rs)
		return result, true, err
	}
	if runErr != nil {
		logger.Warn("agent invocation failed", "error", runErr)
		agentResult = ports.AgentResult{Output: runErr.Error(), ExitCode: -1, IsError: true, Duration: agentResult.Duration}
	}
	if agentResult.Duration <= 0 {
		agentResult.Duration = l.clock.Now().Sub(startedAt)
	}

	if agentResult.Failed() && !agentResult.TimedOut {
		if signal := domain.ClassifyRateLimitError(agentResult.Output); signal.Limited {
			if err := l.recordRateLimit(ctx, rs, lease, signal); err != nil {
				result, err := l.fail(ctx, rs, err)
				return result, true, err
			}
			return RunResult{}, false, nil
		}
	}

	record := domain.IterationRecord{
		Iteration:      iteration,
		AgentSessionID: agentResult.AgentSessionID,
		Model:          lease.Model,
		Tier:           lease.Tier,
		Cost:           agentResult.Cost,
		Tokens:         agentResult.Tokens,
		DurationMs:     agentResult.Duration.Milliseconds(),
		ExitCode:       agentResult.ExitCode,
		TimedOut:       agentResult.TimedOut,
		ContextReset:   reset,
		StartedAt:      startedAt,
	}
	if rs.tracker != nil {
		changes := l.settledChanges(ctx, rs.tracker)
		record.FilesChanged = &changes
	}

	switch {
	case agentResult.Failed():
		record.Outcome = domain.OutcomeError
		record.ErrorSignature = domain.ErrorSignature(agentResult.Output, agentResult.ExitCode, agentResult.TimedOut)
		rs.consecutiveErrors++
	case iteration >= l.config.MinIterations && domain.HasCompletionMarker(agentResult.Output, l.config.CompletionMarker):
		record.Outcome = domain.OutcomeComplete
		rs.consecutiveErrors = 0
	default:
		record.Outcome = domain.OutcomeProgress
		rs.consecutiveErrors = 0
	}

	var updated domain.Session
	err = l.retryContended(context.WithoutCancel(ctx), rs, "append iteration", func(ctx context.Context) error {
		var err error
		updated, err = l.sessions.AppendIteration(ctx, rs.session.ID, record, notes...)
		return err
	})
	if err != nil {
		result, err := l.fail(ctx, rs, err)
		return result, true, err
	}
	rs.session = updated
	rs.cooldownWaited = 0
	l.metrics.ObserveIteration(record)
	logger.Info("iteration recorded", "outcome", string(record.Outcome), "cost", record.Cost, "duration", agentResult.Duration.Round(time.Millisecond), "total_cost", updated.TotalCost)

	if record.Outcome == domain.OutcomeComplete {
		result, err := l.finish(ctx, rs, domain.SessionCompleted, "")
		return result, true, err
	}
	if result, done, err := l.checkLimits(ctx, rs); done {
		return result, true, err
	}
	if rs.consecutiveErrors >= l.config.MaxConsecutiveErrors {
		result, err := l.finish(ctx, rs, domain.SessionFailed, domain.ReasonConsecutiveErrors)
		return result, true, err
	}

	if signal := domain.DetectStruggle(rs.session.Iterations, l.config.Struggle); signal.Escalate {
		rs.escalateTo = rs.registry.Tiers().Escalate(lease.Tier)
		logger.Warn("agent struggling, escalating next acquisition", "reason", string(signal.Reason), "escalate_to", string(rs.escalateTo))
	}

	return RunResult{}, false, nil
}

// checkLimits applies the budget and iteration ceilings, in that order.
func (l *Loop) checkLimits(ctx context.Context, rs *runState) (RunResult, bool, error) {
	if status := l.config.Budget.Evaluate(rs.session); status.Exceeded {
		rs.logger.Warn("budget exhausted", "spent", status.Spent, "ceiling", status.Ceiling)
		result, err := l.finish(ctx, rs, domain.SessionFailed, domain.ReasonBudget)
		return result, true, err
	}
	if l.config.MaxIterations > 0 && rs.session.Iteration >= l.config.MaxIterations {
		result, err := l.finish(ctx, rs, domain.SessionMaxIterations, "")
		return result, true, err
	}
	return RunResult{}, false, nil
}

func (l *Loop) cooldown(ctx context.Context, rs *runState, chain []domain.Tier) (RunResult, bool, error) {
	if l.config.MaxTotalWait > 0 && rs.cooldownWaited >= l.config.MaxTotalWait {
		rs.logger.Warn("rate limit wait exhausted", "waited", rs.cooldownWaited)
		result, err := l.finish(ctx, rs, domain.SessionRateLimitExhausted, "")
		return result, true, err
	}

	wait := l.config.PollInterval
	shortest, cooling, err := rs.registry.ShortestCooldown(ctx, chain)
	if err != nil {
		rs.logger.Warn("read cooldowns", "error", err)
	} else if cooling {
		wait = shortest
	}
	if l.config.MaxCooldownWait > 0 && wait > l.config.MaxCooldownWait {
		wait = l.config.MaxCooldownWait
	}
	if l.config.MaxTotalWait > 0 {
		if remaining := l.config.MaxTotalWait - rs.cooldownWaited; wait > remaining {
			wait = remaining
		}
	}
	if wait < minCooldownSleep {
		wait = minCooldownSleep
	}

	l.transition(rs, StateCooldown, "wait", wait, "all_at_capacity", !cooling)
	if err := l.sleeper.Sleep(ctx, wait); err != nil {
		result, err := l.interrupt(ctx, rs)
		return result, true, err
	}
	rs.cooldownWaited += wait
	l.metrics.ObserveCooldown(wait)
	l.transition(rs, StateRunning)

	return RunResult{}, false, nil
}

func (l *Loop) recordRateLimit(ctx context.Context, rs *runState, lease domain.Lease, signal domain.RateLimitSignal) error {
	now := l.clock.Now()
	cooldown := signal.CooldownFrom(now, l.config.DefaultCooldown)

	ctx = context.WithoutCancel(ctx)
	err := l.retryContended(ctx, rs, "mark rate limited", func(ctx context.Context) error {
		_, err := rs.registry.MarkRateLimited(ctx, lease.Model, cooldown)
		return err
	})
	if err != nil {
		return err
	}
	l.metrics.ObserveRateLimit(lease.Model)

	event := domain.RateLimitEvent{
		Model:           lease.Model,
		At:              now,
		CooldownSeconds: int64(cooldown / time.Second),
		Reason:          signal.Reason,
	}
	return l.retryContended(ctx, rs, "record rate limit", func(ctx context.Context) error {
		return l.sessions.RecordRateLimit(ctx, rs.session.ID, event)
	})
}

// retryContended runs op again after poll_interval while it fails with a
// lock timeout, up to maxLockAttempts attempts. Other errors return at once.
func (l *Loop) retryContended(ctx context.Context, rs *runState, what string, op func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil || !errors.Is(err, domain.ErrLockTimeout) || attempt >= maxLockAttempts {
			return err
		}

		rs.logger.Warn("state lock contended, retrying", "op", what, "attempt", attempt, "error", err)
		if sleepErr := l.sleeper.Sleep(ctx, l.config.PollInterval); sleepErr != nil {
			return sleepErr
		}
	}
}

// settledChanges waits for the watcher to deliver events queued while the
// agent was exiting, then takes the count for the iteration just run.
func (l *Loop) settledChanges(ctx context.Context, tracker ports.ChangeTracker) int {
	if l.config.ChangeSettle > 0 {
		_ = l.sleeper.Sleep(ctx, l.config.ChangeSettle)
	}
	return tracker.TakeChanges()
}

func (l *Loop) release(ctx context.Context, rs *runState, lease domain.Lease) {
	err := l.retryContended(context.WithoutCancel(ctx), rs, "release model", func(ctx context.Context) error {
		return rs.registry.Release(ctx, lease)
	})
	if err != nil {
		rs.logger.Error("release model lease", "model", string(lease.Model), "error", err)
	}
}

func (l *Loop) finish(ctx context.Context, rs *runState, status domain.SessionStatus, reason string) (RunResult, error) {
	var session domain.Session
	err := l.retryContended(context.WithoutCancel(ctx), rs, "finalize session", func(ctx context.Context) error {
		var err error
		session, err = l.sessions.Finalize(ctx, rs.session.ID, status, reason)
		return err
	})
	if err != nil {
		return RunResult{Session: rs.session, Status: rs.session.Status}, err
	}
	rs.session = session

	l.transition(rs, stateFor(status), "reason", reason, "iterations", session.Iteration, "total_cost", session.TotalCost)
	l.metrics.ObserveSessionEnd(session.Status)
	l.flushMetrics(rs)

	return RunResult{Session: session, Status: session.Status, Reason: session.FailureReason}, nil
}

// fail finalizes the session as error after an unexpected failure so it is
// never left running without an owner.
func (l *Loop) fail(ctx context.Context, rs *runState, cause error) (RunResult, error) {
	rs.logger.Error("loop aborted", "error", cause)

	result, err := l.finish(ctx, rs, domain.SessionError, domain.ReasonInternal)
	if err != nil {
		return result, errors.Join(cause, err)
	}
	return result, cause
}

func (l *Loop) interrupt(ctx context.Context, rs *runState) (RunResult, error) {
	rs.logger.Warn("interrupted, leaving session resumable", "iteration", rs.session.Iteration)

	err := l.retryContended(context.WithoutCancel(ctx), rs, "release session ownership", func(ctx context.Context) error {
		return l.sessions.ReleaseOwnership(ctx, rs.session.ID, rs.ownerToken)
	})
	if err != nil {
		rs.logger.Error("release session ownership", "error", err)
	}
	l.flushMetrics(rs)

	return RunResult{Session: rs.session, Status: rs.session.Status}, fmt.Errorf("%w: %v", domain.ErrInterrupted, context.Cause(ctx))
}

func (l *Loop) flushMetrics(rs *runState) {
	if err := l.metrics.Flush(); err != nil {
		rs.logger.Warn("flush metrics", "error", err)
	}
}

func (l *Loop) transition(rs *runState, state LoopState, args ...any) {
	rs.logger.Info("loop state", append([]any{"state", string(state)}, args...)...)
}

func stateFor(status domain.SessionStatus) LoopState {
	switch status {
	case domain.SessionCompleted:
		return StateCompleted
	case domain.SessionMaxIterations:
		return StateMaxIterationsReached
	case domain.SessionRateLimitExhausted:
		return StateRateLimitExhausted
	default:
		return StateFailed
	}
}

func trailingErrors(records []domain.IterationRecord) int {
	count := 0
	for i := len(records) - 1; i >= 0 && records[i].Outcome == domain.OutcomeError; i-- {
		count++
	}
	return count
}

type nopMetrics struct{}

func (nopMetrics) ObserveIteration(domain.IterationRecord) {}
func (nopMetrics) ObserveRateLimit(domain.ModelID) {}
func (nopMetrics) ObserveCooldown(time.Duration) {}
func (nopMetrics) ObserveSessionEnd(domain.SessionStatus) {}
func (nopMetrics) Flush() error { return nil }
