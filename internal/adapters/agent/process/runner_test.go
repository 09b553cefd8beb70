//go:build unix

package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/ports"
)

func shellRunner(t *testing.T, script string, extra ...string) *Runner {
	t.Helper()
	runner, err := New(Options{
		Command: "sh",
		Args:    append([]string{"-c", script, "agent"}, extra...),
	})
	require.NoError(t, err)
	return runner
}

func baseRequest(t *testing.T) ports.AgentRequest {
	return ports.AgentRequest{
		SessionID:   "brave-otter-0042",
		Iteration:   3,
		Prompt:      "fix the tests",
		WorkingDir:  t.TempDir(),
		Model:       "sonnet",
		SandboxMode: "workspace-write",
		Timeout:     10 * time.Second,
	}
}

func TestRunnerFeedsPromptOnStdin(t *testing.T) {
	t.Parallel()

	result, err := shellRunner(t, "cat").Run(context.Background(), baseRequest(t))
	require.NoError(t, err)

	assert.Equal(t, "fix the tests", result.Output)
	assert.Zero(t, result.ExitCode)
	assert.False(t, result.Failed())
}

func TestRunnerSubstitutesPlaceholdersAndExportsEnv(t *testing.T) {
	t.Parallel()

	script := `echo "args=$*"; echo "env=$AGENTLOOP_MODEL/$AGENTLOOP_SANDBOX_MODE/$AGENTLOOP_SESSION_ID/$AGENTLOOP_ITERATION"; echo "dir=$(pwd)"`
	req := baseRequest(t)
	result, err := shellRunner(t, script, "--model", "{model}", "--sandbox", "{sandbox}").Run(context.Background(), req)
	require.NoError(t, err)

	assert.Contains(t, result.Output, "args=--model sonnet --sandbox workspace-write\n")
	assert.Contains(t, result.Output, "env=sonnet/workspace-write/brave-otter-0042/3\n")
	assert.Contains(t, result.Output, "dir=")
}

func TestRunnerAppendsResumeArgsOnlyWhenContinuing(t *testing.T) {
	t.Parallel()

	runner, err := New(Options{
		Command:    "sh",
		Args:       []string{"-c", `echo "$*"`, "agent", "-p"},
		ResumeArgs: []string{"--resume", "{agent_session}"},
	})
	require.NoError(t, err)

	fresh, err := runner.Run(context.Background(), baseRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "-p\n", fresh.Output)

	req := baseRequest(t)
	req.ContinueSession = "af31c"
	continued, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "-p --resume af31c\n", continued.Output)
}

func TestRunnerReportsNonZeroExitWithCombinedOutput(t *testing.T) {
	t.Parallel()

	result, err := shellRunner(t, "echo working; echo 'Error: boom' >&2; exit 3").Run(context.Background(), baseRequest(t))
	require.NoError(t, err)

	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Output, "working")
	assert.Contains(t, result.Output, "Error: boom")
	assert.True(t, result.Failed())
	assert.False(t, result.TimedOut)
}

func TestRunnerParsesResultTelemetry(t *testing.T) {
	t.Parallel()

	script := `echo '{"type":"assistant","message":"hi"}'
echo '{"type":"result","session_id":"sess-9","total_cost_usd":0.25,"is_error":false,"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":2,"cache_creation_input_tokens":1}}'`
	result, err := shellRunner(t, script).Run(context.Background(), baseRequest(t))
	require.NoError(t, err)

	assert.Equal(t, "sess-9", result.AgentSessionID)
	assert.InDelta(t, 0.25, result.Cost, 1e-9)
	assert.Equal(t, domain.Tokens{Input: 10, Output: 5, CacheRead: 2, CacheWrite: 1}, result.Tokens)
	assert.False(t, result.IsError)
}

func TestRunnerKillsProcessGroupOnTimeout(t *testing.T) {
	t.Parallel()

	req := baseRequest(t)
	req.Timeout = 200 * time.Millisecond

	started := time.Now()
	result, err := shellRunner(t, "sleep 30 & sleep 30; wait").Run(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.NotZero(t, result.ExitCode)
	assert.True(t, result.Failed())
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestRunnerReturnsContextErrorWhenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := shellRunner(t, "sleep 30").Run(ctx, baseRequest(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunnerStartFailureIsInvocationError(t *testing.T) {
	t.Parallel()

	runner, err := New(Options{Command: "/nonexistent/agentloop-agent"})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), baseRequest(t))
	require.ErrorIs(t, err, domain.ErrAgentInvocation)

	var invocation *domain.AgentInvocationError
	require.ErrorAs(t, err, &invocation)
	assert.Equal(t, domain.ModelID("sonnet"), invocation.Model)
}

func TestNewRequiresCommand(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Command: "  "})
	assert.ErrorContains(t, err, "agent command is required")
}
