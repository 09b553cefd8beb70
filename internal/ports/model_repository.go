package ports

import (
	"context"

	"github.com/bnema/agentloop/internal/domain"
)

type ModelStateRepository interface {
	// Load is an unlocked snapshot read.
	Load(ctx context.Context) (domain.ModelStates, error)
	Update(ctx context.Context, fn func(states *domain.ModelStates) error) error
}

type TierConfigRepository interface {
	Load(ctx context.Context) (domain.TierConfig, error)
}
