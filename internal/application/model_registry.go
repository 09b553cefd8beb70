package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

type ModelRegistryOptions struct {
	// LeaseMaxAge prunes leases older than this; zero keeps them until their
	// holder is known dead.
	LeaseMaxAge time.Duration
	Probe       ports.ProcessProbe
	Logger      *slog.Logger
}

// ModelRegistry hands out model leases from the shared model state document.
type ModelRegistry struct {
	repo        ports.ModelStateRepository
	tiers       domain.TierConfig
	clock       ports.Clock
	probe       ports.ProcessProbe
	logger      *slog.Logger
	leaseMaxAge time.Duration
	sessionID   domain.SessionID
}

func NewModelRegistry(repo ports.ModelStateRepository, tiers domain.TierConfig, clock ports.Clock, opts ModelRegistryOptions) (*ModelRegistry, error) {
	if err := tiers.Validate(); err != nil {
		return nil, fmt.Errorf("validate tier config: %w", err)
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if opts.Probe == nil {
		opts.Probe = unknownProbe{}
	}

	return &ModelRegistry{
		repo:        repo,
		tiers:       tiers,
		clock:       clock,
		probe:       opts.Probe,
		logger:      observability.OrDiscard(opts.Logger),
		leaseMaxAge: opts.LeaseMaxAge,
	}, nil
}

// ForSession returns a registry whose leases are attributed to id.
func (r *ModelRegistry) ForSession(id domain.SessionID) *ModelRegistry {
	scoped := *r
	scoped.sessionID = id
	scoped.logger = r.logger.With("session_id", string(id))
	return &scoped
}

func (r *ModelRegistry) Tiers() domain.TierConfig {
	return r.tiers
}

// Chain returns the tiers Acquire would scan for tier.
func (r *ModelRegistry) Chain(tier domain.Tier, fallback bool) []domain.Tier {
	if !fallback {
		if !r.tiers.Has(tier) {
			return nil
		}
		return []domain.Tier{tier}
	}
	return r.tiers.FallbackChain(tier)
}

func (r *ModelRegistry) Acquire(ctx context.Context, tier domain.Tier) (domain.Lease, error) {
	return r.acquire(ctx, r.Chain(tier, false))
}

// AcquireWithFallback tries tier and then every lower tier, in order, under
// a single lock on the model state.
func (r *ModelRegistry) AcquireWithFallback(ctx context.Context, tier domain.Tier, fallback bool) (domain.Lease, error) {
	return r.acquire(ctx, r.Chain(tier, fallback))
}

func (r *ModelRegistry) acquire(ctx context.Context, chain []domain.Tier) (domain.Lease, error) {
	if len(chain) == 0 {
		return domain.Lease{}, fmt.Errorf("%w: no configured tier to scan", domain.ErrNoModelAvailable)
	}

	self := r.probe.Self()
	var (
		lease    domain.Lease
		acquired bool
	)

	err := r.repo.Update(ctx, func(states *domain.ModelStates) error {
		now := r.clock.Now()
		if pruned := r.pruneLeases(states, now); pruned > 0 {
			r.logger.Info("pruned stale model leases", "count", pruned)
		}

		for _, tier := range chain {
			for _, spec := range r.tiers.Models(tier) {
				state := states.Get(spec.ID, tier)
				if !state.Eligible(now, spec.MaxConcurrent) {
					continue
				}

				lease = domain.Lease{
					Model:      spec.ID,
					Tier:       tier,
					Token:      uuid.NewString(),
					PID:        self.PID,
					Host:       self.Host,
					SessionID:  r.sessionID,
					AcquiredAt: now,
				}
				state.Leases = append(state.Leases, lease)
				state.UpdatedAt = now
				states.Put(state)
				acquired = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return domain.Lease{}, fmt.Errorf("acquire model: %w", err)
	}
	if !acquired {
		return domain.Lease{}, fmt.Errorf("%w in tiers %v", domain.ErrNoModelAvailable, chain)
	}

	r.logger.Debug("acquired model lease", "model", string(lease.Model), "tier", string(lease.Tier))
	return lease, nil
}

// Release drops lease. It ignores cancellation of ctx so a slot is returned
// even while the caller is shutting down.
func (r *ModelRegistry) Release(ctx context.Context, lease domain.Lease) error {
	ctx = context.WithoutCancel(ctx)

	err := r.repo.Update(ctx, func(states *domain.ModelStates) error {
		state := states.Get(lease.Model, lease.Tier)
		kept := state.Leases[:0:0]
		for _, held := range state.Leases {
			if held.Token != lease.Token {
				kept = append(kept, held)
			}
		}
		if len(kept) == len(state.Leases) {
			r.logger.Debug("lease already gone", "model", string(lease.Model))
		}
		state.Leases = kept
		state.UpdatedAt = r.clock.Now()
		states.Put(state)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release model %s: %w", lease.Model, err)
	}

	return nil
}

// MarkRateLimited puts model on cooldown. An existing later cooldown is kept.
func (r *ModelRegistry) MarkRateLimited(ctx context.Context, model domain.ModelID, cooldown time.Duration) (time.Time, error) {
	_, tier, _ := r.tiers.Lookup(model)

	var until time.Time
	err := r.repo.Update(ctx, func(states *domain.ModelStates) error {
		now := r.clock.Now()
		state := states.Get(model, tier)
		until = now.Add(cooldown)
		if state.CooldownUntil.After(until) {
			until = state.CooldownUntil
		}
		state.CooldownUntil = until
		state.UpdatedAt = now
		states.Put(state)
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("mark model %s rate limited: %w", model, err)
	}

	r.logger.Warn("model rate limited", "model", string(model), "tier", string(tier), "cooldown_until", until)
	return until, nil
}

// ShortestCooldown reads the model state without locking and returns the
// smallest remaining cooldown among the models of chain. ok is false when
// none of them is cooling down.
func (r *ModelRegistry) ShortestCooldown(ctx context.Context, chain []domain.Tier) (time.Duration, bool, error) {
	states, err := r.repo.Load(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("load model state: %w", err)
	}

	now := r.clock.Now()
	var (
		shortest time.Duration
		found    bool
	)
	for _, tier := range chain {
		for _, spec := range r.tiers.Models(tier) {
			state, ok := states.Models[spec.ID]
			if !ok || !state.CoolingDown(now) {
				continue
			}
			remaining := state.CooldownUntil.Sub(now)
			if !found || remaining < shortest {
				shortest = remaining
				found = true
			}
		}
	}

	return shortest, found, nil
}

func (r *ModelRegistry) pruneLeases(states *domain.ModelStates, now time.Time) int {
	return states.PruneLeases(func(lease domain.Lease) bool {
		if r.probe.Dead(ports.ProcessIdentity{PID: lease.PID, Host: lease.Host}) {
			return false
		}
		if r.leaseMaxAge <= 0 {
			return true
		}
		return !lease.AcquiredAt.IsZero() && now.Sub(lease.AcquiredAt) <= r.leaseMaxAge
	})
}

// unknownProbe treats every process as alive.
type unknownProbe struct{}

func (unknownProbe) Self() ports.ProcessIdentity { return ports.ProcessIdentity{} }
func (unknownProbe) Local(ports.ProcessIdentity) bool { return true }
func (unknownProbe) Dead(ports.ProcessIdentity) bool { return false }
