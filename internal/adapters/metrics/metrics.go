package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/ports"
)

const namespace = "agentloop"

// LoopMetrics collects loop activity on a private registry. When a textfile
// path is set, Flush writes the registry in the node_exporter textfile format.
type LoopMetrics struct {
	registry *prometheus.Registry
	textfile string

	iterations        *prometheus.CounterVec
	iterationCost     *prometheus.CounterVec
	iterationTokens   *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	rateLimits        *prometheus.CounterVec
	cooldownWait      prometheus.Histogram
	sessionsFinished  *prometheus.CounterVec
}

var _ ports.LoopMetrics = (*LoopMetrics)(nil)

func NewLoopMetrics(textfile string) *LoopMetrics {
	m := &LoopMetrics{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "iterations_total",
				Help:      "Agent iterations recorded, by model, tier and outcome.",
			},
			[]string{"model", "tier", "outcome"},
		),
		iterationCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "cost_usd_total",
				Help:      "Reported agent spend in USD.",
			},
			[]string{"model"},
		),
		iterationTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "tokens_total",
				Help:      "Reported agent tokens, by kind.",
			},
			[]string{"model", "kind"},
		),
		iterationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "iteration_duration_seconds",
				Help:      "Wall time of one agent invocation.",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"model"},
		),
		rateLimits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "models",
				Name:      "rate_limits_total",
				Help:      "Invocations classified as rate limited.",
			},
			[]string{"model"},
		),
		cooldownWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "loop",
				Name:      "cooldown_wait_seconds",
				Help:      "Time slept waiting for model capacity.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),
		sessionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "finished_total",
				Help:      "Sessions that reached a terminal status.",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		m.iterations,
		m.iterationCost,
		m.iterationTokens,
		m.iterationDuration,
		m.rateLimits,
		m.cooldownWait,
		m.sessionsFinished,
	)
	return m
}

func (m *LoopMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *LoopMetrics) ObserveIteration(record domain.IterationRecord) {
	model := string(record.Model)
	m.iterations.WithLabelValues(model, string(record.Tier), string(record.Outcome)).Inc()
	if record.Cost > 0 {
		m.iterationCost.WithLabelValues(model).Add(record.Cost)
	}
	for kind, count := range map[string]int64{
		"input":       record.Tokens.Input,
		"output":      record.Tokens.Output,
		"cache_read":  record.Tokens.CacheRead,
		"cache_write": record.Tokens.CacheWrite,
	} {
		if count > 0 {
			m.iterationTokens.WithLabelValues(model, kind).Add(float64(count))
		}
	}
	m.iterationDuration.WithLabelValues(model).Observe(record.Duration().Seconds())
}

func (m *LoopMetrics) ObserveRateLimit(model domain.ModelID) {
	m.rateLimits.WithLabelValues(string(model)).Inc()
}

func (m *LoopMetrics) ObserveCooldown(wait time.Duration) {
	m.cooldownWait.Observe(wait.Seconds())
}

func (m *LoopMetrics) ObserveSessionEnd(status domain.SessionStatus) {
	m.sessionsFinished.WithLabelValues(string(status)).Inc()
}

// Flush is a no-op without a textfile path.
func (m *LoopMetrics) Flush() error {
	if m.textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.textfile, m.registry)
}
