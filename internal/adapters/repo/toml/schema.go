package toml

import (
	"fmt"

	"github.com/bnema/agentloop/internal/domain"
)

const currentSchemaVersion = 1

type fileSchema struct {
	Version int          `toml:"version"`
	Tiers   []tierSchema `toml:"tiers"`
}

type tierSchema struct {
	Name   string        `toml:"name"`
	Models []modelSchema `toml:"models"`
}

type modelSchema struct {
	ID            string `toml:"id"`
	MaxConcurrent int    `toml:"max_concurrent"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
	for i := range s.Tiers {
		for j := range s.Tiers[i].Models {
			if s.Tiers[i].Models[j].MaxConcurrent == 0 {
				s.Tiers[i].Models[j].MaxConcurrent = 1
			}
		}
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported models schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

func toSchema(config domain.TierConfig) fileSchema {
	file := fileSchema{Version: currentSchemaVersion, Tiers: make([]tierSchema, 0, len(config.Tiers))}
	for _, tier := range config.Tiers {
		models := make([]modelSchema, 0, len(tier.Models))
		for _, model := range tier.Models {
			models = append(models, modelSchema{ID: string(model.ID), MaxConcurrent: model.MaxConcurrent})
		}
		file.Tiers = append(file.Tiers, tierSchema{Name: string(tier.Name), Models: models})
	}
	return file
}

func fromSchema(file fileSchema) domain.TierConfig {
	config := domain.TierConfig{Tiers: make([]domain.TierSpec, 0, len(file.Tiers))}
	for _, tier := range file.Tiers {
		models := make([]domain.ModelSpec, 0, len(tier.Models))
		for _, model := range tier.Models {
			models = append(models, domain.ModelSpec{ID: domain.ModelID(model.ID), MaxConcurrent: model.MaxConcurrent})
		}
		config.Tiers = append(config.Tiers, domain.TierSpec{Name: domain.Tier(tier.Name), Models: models})
	}
	return config
}
