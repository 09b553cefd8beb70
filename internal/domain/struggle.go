package domain

import "time"

type StruggleReason string

const (
	StruggleNone            StruggleReason = ""
	StruggleRepeatedError   StruggleReason = "repeated_error"
	StruggleNoChanges       StruggleReason = "no_changes"
	StruggleShortIterations StruggleReason = "short_iterations"
)

const DefaultStruggleWindow = 3

type StruggleConfig struct {
	// Window is the number of trailing records inspected.
	Window int
	// MinWorkDuration is the duration below which an iteration did no real work.
	MinWorkDuration time.Duration
	// NonTrivialDuration is the duration at or above which an iteration
	// without filesystem changes counts as stalled.
	NonTrivialDuration time.Duration
}

type StruggleSignal struct {
	Escalate bool
	Reason   StruggleReason
}

// DetectStruggle inspects the trailing window of records. It is advisory: the
// caller decides what escalation means.
func DetectStruggle(records []IterationRecord, cfg StruggleConfig) StruggleSignal {
	window := cfg.Window
	if window <= 0 {
		window = DefaultStruggleWindow
	}
	if len(records) < window {
		return StruggleSignal{}
	}
	recent := records[len(records)-window:]

	if repeatedErrorSignature(recent) {
		return StruggleSignal{Escalate: true, Reason: StruggleRepeatedError}
	}
	if cfg.NonTrivialDuration > 0 && noChangesObserved(recent, cfg.NonTrivialDuration) {
		return StruggleSignal{Escalate: true, Reason: StruggleNoChanges}
	}
	if cfg.MinWorkDuration > 0 && allShorterThan(recent, cfg.MinWorkDuration) {
		return StruggleSignal{Escalate: true, Reason: StruggleShortIterations}
	}

	return StruggleSignal{}
}

func repeatedErrorSignature(records []IterationRecord) bool {
	signature := records[0].ErrorSignature
	if signature == "" {
		return false
	}
	for _, record := range records {
		if record.Outcome != OutcomeError || record.ErrorSignature != signature {
			return false
		}
	}
	return true
}

func noChangesObserved(records []IterationRecord, nonTrivial time.Duration) bool {
	for _, record := range records {
		if record.FilesChanged == nil || *record.FilesChanged != 0 {
			return false
		}
		if record.Duration() < nonTrivial {
			return false
		}
	}
	return true
}

func allShorterThan(records []IterationRecord, threshold time.Duration) bool {
	for _, record := range records {
		if record.Duration() >= threshold {
			return false
		}
	}
	return true
}
