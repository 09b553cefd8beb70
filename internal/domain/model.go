package domain

import (
	"fmt"
	"strings"
)

type ModelID string
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

type ModelSpec struct {
	ID            ModelID
	MaxConcurrent int
}

type TierSpec struct {
	Name   Tier
	Models []ModelSpec
}

// TierConfig lists tiers from the highest (most capable) to the lowest.
type TierConfig struct {
	Tiers []TierSpec
}

func DefaultTierConfig() TierConfig {
	return TierConfig{Tiers: []TierSpec{
		{Name: TierHigh, Models: []ModelSpec{{ID: "opus", MaxConcurrent: 1}}},
		{Name: TierMedium, Models: []ModelSpec{{ID: "sonnet", MaxConcurrent: 2}}},
		{Name: TierLow, Models: []ModelSpec{{ID: "haiku", MaxConcurrent: 4}}},
	}}
}

func (c TierConfig) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}

	tiers := make(map[Tier]struct{}, len(c.Tiers))
	models := make(map[ModelID]Tier)
	for _, tier := range c.Tiers {
		if strings.TrimSpace(string(tier.Name)) == "" {
			return fmt.Errorf("tier name is required")
		}
		if _, ok := tiers[tier.Name]; ok {
			return fmt.Errorf("duplicate tier %q", tier.Name)
		}
		tiers[tier.Name] = struct{}{}

		if len(tier.Models) == 0 {
			return fmt.Errorf("tier %q has no models", tier.Name)
		}
		for _, model := range tier.Models {
			if strings.TrimSpace(string(model.ID)) == "" {
				return fmt.Errorf("tier %q: model id is required", tier.Name)
			}
			if owner, ok := models[model.ID]; ok {
				return fmt.Errorf("model %q listed in tiers %q and %q", model.ID, owner, tier.Name)
			}
			models[model.ID] = tier.Name
			if model.MaxConcurrent < 1 {
				return fmt.Errorf("model %q: max_concurrent must be >= 1", model.ID)
			}
		}
	}

	return nil
}

func (c TierConfig) Has(tier Tier) bool {
	return c.index(tier) >= 0
}

func (c TierConfig) Models(tier Tier) []ModelSpec {
	idx := c.index(tier)
	if idx < 0 {
		return nil
	}
	return c.Tiers[idx].Models
}

// FallbackChain returns the requested tier followed by every lower tier in
// descending order. An unknown tier yields an empty chain.
func (c TierConfig) FallbackChain(tier Tier) []Tier {
	idx := c.index(tier)
	if idx < 0 {
		return nil
	}

	chain := make([]Tier, 0, len(c.Tiers)-idx)
	for _, spec := range c.Tiers[idx:] {
		chain = append(chain, spec.Name)
	}
	return chain
}

// Escalate returns the next higher tier, or tier itself when it is already
// the highest configured one.
func (c TierConfig) Escalate(tier Tier) Tier {
	idx := c.index(tier)
	if idx <= 0 {
		return tier
	}
	return c.Tiers[idx-1].Name
}

func (c TierConfig) Highest() Tier {
	if len(c.Tiers) == 0 {
		return ""
	}
	return c.Tiers[0].Name
}

func (c TierConfig) Lookup(id ModelID) (ModelSpec, Tier, bool) {
	for _, tier := range c.Tiers {
		for _, model := range tier.Models {
			if model.ID == id {
				return model, tier.Name, true
			}
		}
	}
	return ModelSpec{}, "", false
}

func (c TierConfig) index(tier Tier) int {
	for i, spec := range c.Tiers {
		if spec.Name == tier {
			return i
		}
	}
	return -1
}
