package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBudgetExceededAtExactCeiling(t *testing.T) {
	t.Parallel()

	budget := Budget{Ceiling: 1.50}

	assert.False(t, budget.Exceeded(1.49))
	assert.True(t, budget.Exceeded(1.50))
	assert.True(t, budget.Exceeded(2.00))
}

func TestBudgetUnlimitedNeverExceeded(t *testing.T) {
	t.Parallel()

	for _, ceiling := range []float64{0, -1} {
		budget := Budget{Ceiling: ceiling}
		assert.False(t, budget.Exceeded(1_000_000))
		assert.True(t, math.IsInf(budget.Remaining(10), 1))
	}
}

func TestBudgetEvaluateSumsIterationCosts(t *testing.T) {
	t.Parallel()

	session := Session{Iterations: []IterationRecord{
		{Iteration: 1, Cost: 0.25},
		{Iteration: 2, Cost: 0.50},
		{Iteration: 3, Cost: 0.25},
	}}

	status := Budget{Ceiling: 1.00}.Evaluate(session)
	assert.InDelta(t, 1.00, status.Spent, 1e-9)
	assert.InDelta(t, 0, status.Remaining, 1e-9)
	assert.True(t, status.Exceeded)
}

func TestAccumulateTokens(t *testing.T) {
	t.Parallel()

	total := AccumulateTokens([]IterationRecord{
		{Tokens: Tokens{Input: 100, Output: 20, CacheRead: 5, CacheWrite: 1}},
		{Tokens: Tokens{Input: 50, Output: 10}},
	})

	assert.Equal(t, Tokens{Input: 150, Output: 30, CacheRead: 5, CacheWrite: 1}, total)
	assert.Equal(t, int64(186), total.Total())
}
