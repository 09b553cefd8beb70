package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

const (
	defaultTailBytes = 256 * 1024
	defaultKillGrace = 5 * time.Second
)

const (
	EnvModel       = "AGENTLOOP_MODEL"
	EnvSandboxMode = "AGENTLOOP_SANDBOX_MODE"
	EnvSessionID   = "AGENTLOOP_SESSION_ID"
	EnvIteration   = "AGENTLOOP_ITERATION"
)

type Options struct {
	Command string
	// Args may contain {model}, {sandbox}, {session} and {iteration}.
	Args []string
	// ResumeArgs are appended when an agent session is continued and may
	// additionally contain {agent_session}.
	ResumeArgs []string
	Env        map[string]string
	TailBytes  int
	KillGrace  time.Duration
	Logger     *slog.Logger
}

// Runner executes the agent as a child process, one invocation per call.
type Runner struct {
	opts   Options
	logger *slog.Logger
}

var _ ports.AgentRunner = (*Runner)(nil)

func New(opts Options) (*Runner, error) {
	opts.Command = strings.TrimSpace(opts.Command)
	if opts.Command == "" {
		return nil, errors.New("agent command is required")
	}
	if opts.TailBytes <= 0 {
		opts.TailBytes = defaultTailBytes
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}

	return &Runner{opts: opts, logger: observability.OrDiscard(opts.Logger)}, nil
}

func (r *Runner) Run(ctx context.Context, req ports.AgentRequest) (ports.AgentResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	args := r.args(req)
	tail := newTailBuffer(r.opts.TailBytes)

	cmd := exec.CommandContext(runCtx, r.opts.Command, args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.Env = r.env(req)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = r.opts.KillGrace

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return ports.AgentResult{}, &domain.AgentInvocationError{Model: req.Model, ExitCode: -1, Err: err}
	}
	r.logger.Debug("agent process started", "pid", cmd.Process.Pid, "model", string(req.Model), "iteration", req.Iteration)

	waitErr := cmd.Wait()
	result := ports.AgentResult{
		Output:   tail.String(),
		Duration: time.Since(startedAt),
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	result.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	switch {
	case cmd.ProcessState != nil:
		result.ExitCode = cmd.ProcessState.ExitCode()
	case waitErr != nil:
		return result, &domain.AgentInvocationError{Model: req.Model, ExitCode: -1, Err: waitErr}
	}
	if result.TimedOut && result.ExitCode == 0 {
		result.ExitCode = -1
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) && !result.TimedOut {
		r.logger.Warn("agent process wait", "error", waitErr)
	}

	if telemetry, ok := parseTelemetry(result.Output); ok {
		result.AgentSessionID = telemetry.SessionID
		result.Cost = telemetry.cost()
		result.Tokens = telemetry.tokens()
		result.IsError = telemetry.IsError
	}

	r.logger.Debug("agent process exited",
		"model", string(req.Model),
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration", result.Duration.Round(time.Millisecond),
	)
	return result, nil
}

func (r *Runner) args(req ports.AgentRequest) []string {
	replacer := strings.NewReplacer(
		"{model}", string(req.Model),
		"{sandbox}", req.SandboxMode,
		"{session}", string(req.SessionID),
		"{iteration}", strconv.Itoa(req.Iteration),
		"{agent_session}", req.ContinueSession,
	)

	args := make([]string, 0, len(r.opts.Args)+len(r.opts.ResumeArgs))
	for _, arg := range r.opts.Args {
		args = append(args, replacer.Replace(arg))
	}
	if req.ContinueSession != "" {
		for _, arg := range r.opts.ResumeArgs {
			args = append(args, replacer.Replace(arg))
		}
	}
	return args
}

func (r *Runner) env(req ports.AgentRequest) []string {
	env := append([]string{}, os.Environ()...)
	for key, value := range r.opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return append(env,
		EnvModel+"="+string(req.Model),
		EnvSandboxMode+"="+req.SandboxMode,
		EnvSessionID+"="+string(req.SessionID),
		EnvIteration+"="+strconv.Itoa(req.Iteration),
	)
}
