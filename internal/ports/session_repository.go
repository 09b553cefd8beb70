package ports

import (
	"context"
	"time"

	"github.com/bnema/agentloop/internal/domain"
)

type SessionListing struct {
	Session domain.Session
	ModTime time.Time
}

type SessionRepository interface {
	// Create persists session only if no document exists for its id yet,
	// returning domain.ErrSessionExists otherwise.
	Create(ctx context.Context, session domain.Session) error
	Get(ctx context.Context, id domain.SessionID) (domain.Session, error)
	Update(ctx context.Context, id domain.SessionID, fn func(session *domain.Session) error) error
	Delete(ctx context.Context, id domain.SessionID, check func(session domain.Session) error) (bool, error)
	List(ctx context.Context) ([]SessionListing, error)
}
