package ports

import (
	"context"
	"time"

	"github.com/bnema/agentloop/internal/domain"
)

type AgentRequest struct {
	SessionID   domain.SessionID
	Iteration   int
	Prompt      string
	WorkingDir  string
	Model       domain.ModelID
	SandboxMode string
	// ContinueSession is the agent-side session to resume; empty starts fresh.
	ContinueSession string
	Timeout         time.Duration
}

type AgentResult struct {
	Output         string
	ExitCode       int
	TimedOut       bool
	IsError        bool
	AgentSessionID string
	Cost           float64
	Tokens         domain.Tokens
	Duration       time.Duration
}

// Failed reports whether the invocation did not finish cleanly.
func (r AgentResult) Failed() bool {
	return r.TimedOut || r.IsError || r.ExitCode != 0
}

type AgentRunner interface {
	// Run returns a non-nil error only when the agent could not be started or
	// ctx was cancelled. Non-zero exits and timeouts are reported in the result.
	Run(ctx context.Context, req AgentRequest) (AgentResult, error)
}
