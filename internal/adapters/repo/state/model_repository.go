package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/jsonx"
	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

const (
	modelsDirName      = "models"
	modelStateFileName = "state.json"
)

type ModelStateRepository struct {
	store  ports.StateStore
	path   string
	logger *slog.Logger
}

var _ ports.ModelStateRepository = (*ModelStateRepository)(nil)

func NewModelStateRepository(store ports.StateStore, stateDir string, logger *slog.Logger) *ModelStateRepository {
	return &ModelStateRepository{
		store:  store,
		path:   filepath.Join(stateDir, modelsDirName, modelStateFileName),
		logger: observability.OrDiscard(logger),
	}
}

func (r *ModelStateRepository) Path() string {
	return r.path
}

func (r *ModelStateRepository) Load(ctx context.Context) (domain.ModelStates, error) {
	raw, err := r.store.ReadOnly(ctx, r.path)
	if err != nil {
		return domain.ModelStates{}, fmt.Errorf("read model state: %w", err)
	}
	if raw == nil {
		return domain.ModelStates{Models: map[domain.ModelID]domain.ModelState{}}, nil
	}

	file, err := decodeModelStates(r.path, raw)
	if err != nil {
		if errors.Is(err, domain.ErrCorruptState) {
			r.logger.Warn("model state unreadable, using empty state", "path", r.path, "error", err)
			return domain.ModelStates{Models: map[domain.ModelID]domain.ModelState{}}, nil
		}
		return domain.ModelStates{}, err
	}

	return fromModelStatesSchema(file), nil
}

// Update runs fn under the model state lock. A corrupt document is moved
// aside and replaced with an empty one before fn runs.
func (r *ModelStateRepository) Update(ctx context.Context, fn func(states *domain.ModelStates) error) error {
	err := r.update(ctx, fn)
	if !errors.Is(err, domain.ErrCorruptState) {
		return err
	}

	r.logger.Warn("model state corrupt, reinitialising", "path", r.path, "error", err)
	empty, encodeErr := encodeModelStates(modelStatesFileSchema{})
	if encodeErr != nil {
		return encodeErr
	}
	stillCorrupt := func(current []byte) bool {
		_, decodeErr := decodeModelStates(r.path, current)
		return errors.Is(decodeErr, domain.ErrCorruptState)
	}
	if reinitErr := r.store.Reinitialize(ctx, r.path, empty, stillCorrupt); reinitErr != nil {
		return fmt.Errorf("reinitialise model state: %w", errors.Join(err, reinitErr))
	}

	return r.update(ctx, fn)
}

func (r *ModelStateRepository) update(ctx context.Context, fn func(states *domain.ModelStates) error) error {
	return r.store.WithLock(ctx, r.path, func(raw []byte) ([]byte, error) {
		states := domain.ModelStates{Models: map[domain.ModelID]domain.ModelState{}}
		if raw != nil {
			file, err := decodeModelStates(r.path, raw)
			if err != nil {
				return nil, err
			}
			states = fromModelStatesSchema(file)
		}

		if err := fn(&states); err != nil {
			return nil, err
		}

		return encodeModelStates(toModelStatesSchema(states))
	})
}

func decodeModelStates(path string, raw []byte) (modelStatesFileSchema, error) {
	var file modelStatesFileSchema
	if err := jsonx.Unmarshal(raw, &file); err != nil {
		return modelStatesFileSchema{}, &domain.CorruptStateError{Path: path, Err: err}
	}
	if err := file.validateVersion(); err != nil {
		return modelStatesFileSchema{}, err
	}
	if err := file.validate(); err != nil {
		return modelStatesFileSchema{}, &domain.CorruptStateError{Path: path, Err: err}
	}
	file.applyDefaults()

	return file, nil
}

func encodeModelStates(file modelStatesFileSchema) ([]byte, error) {
	file.applyDefaults()

	data, err := jsonx.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode model state: %w", err)
	}

	return append(data, '\n'), nil
}

func toModelStatesSchema(states domain.ModelStates) modelStatesFileSchema {
	ids := make([]string, 0, len(states.Models))
	for id := range states.Models {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	file := modelStatesFileSchema{Version: currentModelStateVersion, Models: make([]modelStateSchema, 0, len(ids))}
	for _, id := range ids {
		file.Models = append(file.Models, toModelStateSchema(states.Models[domain.ModelID(id)]))
	}

	return file
}

func toModelStateSchema(state domain.ModelState) modelStateSchema {
	leases := make([]leaseSchema, 0, len(state.Leases))
	for _, lease := range state.Leases {
		leases = append(leases, leaseSchema{
			Token:      lease.Token,
			PID:        lease.PID,
			Host:       lease.Host,
			SessionID:  string(lease.SessionID),
			AcquiredAt: formatTime(lease.AcquiredAt),
		})
	}

	return modelStateSchema{
		ModelID:       string(state.ModelID),
		Tier:          string(state.Tier),
		CooldownUntil: formatOptionalTime(state.CooldownUntil),
		ActiveCount:   len(leases),
		Leases:        leases,
		UpdatedAt:     formatTime(state.UpdatedAt),
	}
}

func fromModelStatesSchema(file modelStatesFileSchema) domain.ModelStates {
	states := domain.ModelStates{Models: make(map[domain.ModelID]domain.ModelState, len(file.Models))}
	for _, entry := range file.Models {
		states.Put(fromModelStateSchema(entry))
	}
	return states
}

func fromModelStateSchema(entry modelStateSchema) domain.ModelState {
	id := domain.ModelID(entry.ModelID)
	tier := domain.Tier(entry.Tier)

	leases := make([]domain.Lease, 0, len(entry.Leases))
	for _, lease := range entry.Leases {
		leases = append(leases, domain.Lease{
			Model:      id,
			Tier:       tier,
			Token:      lease.Token,
			PID:        lease.PID,
			Host:       lease.Host,
			SessionID:  domain.SessionID(lease.SessionID),
			AcquiredAt: parseTime(lease.AcquiredAt),
		})
	}

	return domain.ModelState{
		ModelID:       id,
		Tier:          tier,
		CooldownUntil: parseOptionalTime(entry.CooldownUntil),
		Leases:        leases,
		UpdatedAt:     parseTime(entry.UpdatedAt),
	}
}
