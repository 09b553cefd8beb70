package domain

import "math"

// Budget is a spend ceiling in USD. A zero or negative ceiling means unlimited.
type Budget struct {
	Ceiling float64
}

type BudgetStatus struct {
	Spent     float64
	Ceiling   float64
	Remaining float64
	Exceeded  bool
}

func (b Budget) Limited() bool {
	return b.Ceiling > 0
}

// Exceeded is true once spent reaches the ceiling; equality counts.
func (b Budget) Exceeded(spent float64) bool {
	return b.Limited() && spent >= b.Ceiling
}

func (b Budget) Remaining(spent float64) float64 {
	if !b.Limited() {
		return math.Inf(1)
	}
	return math.Max(0, b.Ceiling-spent)
}

func (b Budget) Evaluate(session Session) BudgetStatus {
	spent := AccumulateCost(session.Iterations)
	return BudgetStatus{
		Spent:     spent,
		Ceiling:   b.Ceiling,
		Remaining: b.Remaining(spent),
		Exceeded:  b.Exceeded(spent),
	}
}

func AccumulateCost(records []IterationRecord) float64 {
	total := 0.0
	for _, record := range records {
		total += record.Cost
	}
	return total
}

func AccumulateTokens(records []IterationRecord) Tokens {
	var total Tokens
	for _, record := range records {
		total = total.Add(record.Tokens)
	}
	return total
}
