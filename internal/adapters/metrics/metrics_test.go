package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/agentloop/internal/domain"
)

func TestLoopMetricsObservesIterations(t *testing.T) {
	t.Parallel()

	m := NewLoopMetrics("")
	m.ObserveIteration(domain.IterationRecord{
		Iteration:  1,
		Model:      "opus",
		Tier:       domain.TierHigh,
		Outcome:    domain.OutcomeProgress,
		Cost:       0.4,
		Tokens:     domain.Tokens{Input: 100, Output: 20},
		DurationMs: 45_000,
	})
	m.ObserveIteration(domain.IterationRecord{
		Iteration: 2,
		Model:     "opus",
		Tier:      domain.TierHigh,
		Outcome:   domain.OutcomeError,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.iterations.WithLabelValues("opus", "high", "progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.iterations.WithLabelValues("opus", "high", "error")))
	assert.InDelta(t, 0.4, testutil.ToFloat64(m.iterationCost.WithLabelValues("opus")), 1e-9)
	assert.Equal(t, 100.0, testutil.ToFloat64(m.iterationTokens.WithLabelValues("opus", "input")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.iterationTokens.WithLabelValues("opus", "output")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.iterationTokens))
}

func TestLoopMetricsObservesRateLimitsAndSessions(t *testing.T) {
	t.Parallel()

	m := NewLoopMetrics("")
	m.ObserveRateLimit("sonnet")
	m.ObserveRateLimit("sonnet")
	m.ObserveCooldown(30 * time.Second)
	m.ObserveSessionEnd(domain.SessionCompleted)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rateLimits.WithLabelValues("sonnet")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.cooldownWait))
	assert.NoError(t, m.Flush())
}

func TestLoopMetricsFlushWritesTextfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agentloop.prom")
	m := NewLoopMetrics(path)
	m.ObserveSessionEnd(domain.SessionFailed)

	require.NoError(t, m.Flush())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `agentloop_sessions_finished_total{status="failed"} 1`)
}
