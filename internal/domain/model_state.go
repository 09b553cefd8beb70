package domain

import "time"

// Lease is one slot held on a model by a single orchestrator process.
type Lease struct {
	Model      ModelID
	Tier       Tier
	Token      string
	PID        int
	Host       string
	SessionID  SessionID
	AcquiredAt time.Time
}

type ModelState struct {
	ModelID       ModelID
	Tier          Tier
	CooldownUntil time.Time
	Leases        []Lease
	UpdatedAt     time.Time
}

func (s ModelState) ActiveCount() int {
	return len(s.Leases)
}

func (s ModelState) CoolingDown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && s.CooldownUntil.After(now)
}

// Eligible reports whether another lease may be granted under maxConcurrent.
func (s ModelState) Eligible(now time.Time, maxConcurrent int) bool {
	return !s.CoolingDown(now) && s.ActiveCount() < maxConcurrent
}

// ModelStates is the shared document every orchestrator process mutates.
type ModelStates struct {
	Models map[ModelID]ModelState
}

// Get returns the state for id, creating an empty entry lazily.
func (m *ModelStates) Get(id ModelID, tier Tier) ModelState {
	if m.Models == nil {
		m.Models = map[ModelID]ModelState{}
	}
	state, ok := m.Models[id]
	if !ok {
		state = ModelState{ModelID: id, Tier: tier}
	}
	if state.Tier == "" {
		state.Tier = tier
	}
	return state
}

func (m *ModelStates) Put(state ModelState) {
	if m.Models == nil {
		m.Models = map[ModelID]ModelState{}
	}
	m.Models[state.ModelID] = state
}

// PruneLeases drops every lease for which keep returns false and reports how
// many were removed.
func (m *ModelStates) PruneLeases(keep func(Lease) bool) int {
	removed := 0
	for id, state := range m.Models {
		kept := state.Leases[:0:0]
		for _, lease := range state.Leases {
			if keep(lease) {
				kept = append(kept, lease)
				continue
			}
			removed++
		}
		if len(kept) != len(state.Leases) {
			state.Leases = kept
			m.Models[id] = state
		}
	}
	return removed
}
