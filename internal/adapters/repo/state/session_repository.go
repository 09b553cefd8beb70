package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/jsonx"
	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

const (
	sessionsDirName   = "sessions"
	sessionFileSuffix = ".json"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type SessionRepository struct {
	store  ports.StateStore
	dir    string
	logger *slog.Logger
}

var _ ports.SessionRepository = (*SessionRepository)(nil)

func NewSessionRepository(store ports.StateStore, stateDir string, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{
		store:  store,
		dir:    filepath.Join(stateDir, sessionsDirName),
		logger: observability.OrDiscard(logger),
	}
}

func (r *SessionRepository) Dir() string {
	return r.dir
}

func (r *SessionRepository) Create(ctx context.Context, session domain.Session) error {
	path, err := r.pathFor(session.ID)
	if err != nil {
		return err
	}
	if err := session.Validate(); err != nil {
		return fmt.Errorf("validate session: %w", err)
	}

	return r.store.WithLock(ctx, path, func(raw []byte) ([]byte, error) {
		if raw != nil {
			return nil, domain.ErrSessionExists
		}
		return encodeSession(toSessionSchema(session))
	})
}

func (r *SessionRepository) Get(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	path, err := r.pathFor(id)
	if err != nil {
		return domain.Session{}, err
	}

	raw, err := r.store.ReadOnly(ctx, path)
	if err != nil {
		return domain.Session{}, fmt.Errorf("read session: %w", err)
	}
	if raw == nil {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	return decodeSession(path, raw)
}

func (r *SessionRepository) Update(ctx context.Context, id domain.SessionID, fn func(session *domain.Session) error) error {
	path, err := r.pathFor(id)
	if err != nil {
		return err
	}

	return r.store.WithLock(ctx, path, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}

		session, err := decodeSession(path, raw)
		if err != nil {
			return nil, err
		}
		if err := fn(&session); err != nil {
			return nil, err
		}
		if err := session.Validate(); err != nil {
			return nil, fmt.Errorf("validate session: %w", err)
		}

		return encodeSession(toSessionSchema(session))
	})
}

func (r *SessionRepository) Delete(ctx context.Context, id domain.SessionID, check func(session domain.Session) error) (bool, error) {
	path, err := r.pathFor(id)
	if err != nil {
		return false, err
	}

	return r.store.Remove(ctx, path, func(raw []byte) error {
		session, err := decodeSession(path, raw)
		if err != nil {
			return err
		}
		if check == nil {
			return nil
		}
		return check(session)
	})
}

// List scans the sessions directory without locking. Unreadable documents
// are skipped with a warning.
func (r *SessionRepository) List(ctx context.Context) ([]ports.SessionListing, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []ports.SessionListing{}, nil
		}
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	listings := make([]ports.SessionListing, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sessionFileSuffix) || strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(r.dir, name)
		raw, err := r.store.ReadOnly(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("read session %s: %w", name, err)
		}
		if raw == nil {
			continue
		}

		session, err := decodeSession(path, raw)
		if err != nil {
			r.logger.Warn("skipping unreadable session document", "path", path, "error", err)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		listings = append(listings, ports.SessionListing{Session: session, ModTime: info.ModTime()})
	}

	sort.Slice(listings, func(i, j int) bool {
		return listings[i].Session.ID < listings[j].Session.ID
	})

	return listings, nil
}

func (r *SessionRepository) pathFor(id domain.SessionID) (string, error) {
	if !sessionIDPattern.MatchString(string(id)) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(r.dir, string(id)+sessionFileSuffix), nil
}

func decodeSession(path string, raw []byte) (domain.Session, error) {
	var file sessionFileSchema
	if err := jsonx.Unmarshal(raw, &file); err != nil {
		return domain.Session{}, &domain.CorruptStateError{Path: path, Err: err}
	}
	if err := file.validateVersion(); err != nil {
		return domain.Session{}, err
	}
	file.applyDefaults()

	session := fromSessionSchema(file)
	if err := session.Validate(); err != nil {
		return domain.Session{}, &domain.CorruptStateError{Path: path, Err: err}
	}

	return session, nil
}

func encodeSession(file sessionFileSchema) ([]byte, error) {
	file.applyDefaults()

	data, err := jsonx.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}

	return append(data, '\n'), nil
}

func toSessionSchema(session domain.Session) sessionFileSchema {
	iterations := make([]iterationSchema, 0, len(session.Iterations))
	for _, record := range session.Iterations {
		iterations = append(iterations, iterationSchema{
			Iteration:      record.Iteration,
			AgentSessionID: record.AgentSessionID,
			Model:          string(record.Model),
			Tier:           string(record.Tier),
			Cost:           record.Cost,
			Tokens: tokensSchema{
				Input:      record.Tokens.Input,
				Output:     record.Tokens.Output,
				CacheRead:  record.Tokens.CacheRead,
				CacheWrite: record.Tokens.CacheWrite,
			},
			DurationMs:     record.DurationMs,
			Outcome:        string(record.Outcome),
			ExitCode:       record.ExitCode,
			TimedOut:       record.TimedOut,
			ErrorSignature: record.ErrorSignature,
			FilesChanged:   record.FilesChanged,
			ContextReset:   record.ContextReset,
			StartedAt:      formatTime(record.StartedAt),
		})
	}

	var owner *ownerSchema
	if session.Owner != nil {
		owner = &ownerSchema{
			PID:       session.Owner.PID,
			Host:      session.Owner.Host,
			Token:     session.Owner.Token,
			ClaimedAt: formatTime(session.Owner.ClaimedAt),
		}
	}

	notes := make([]contextNoteSchema, 0, len(session.ContextNotes))
	for _, note := range session.ContextNotes {
		notes = append(notes, contextNoteSchema{
			Text:              note.Text,
			AddedAt:           formatTime(note.AddedAt),
			ConsumedAt:        formatOptionalTime(note.ConsumedAt),
			ConsumedIteration: note.ConsumedIteration,
		})
	}

	events := make([]rateLimitEventSchema, 0, len(session.RateLimitEvents))
	for _, event := range session.RateLimitEvents {
		events = append(events, rateLimitEventSchema{
			Model:           string(event.Model),
			At:              formatTime(event.At),
			CooldownSeconds: event.CooldownSeconds,
			Reason:          event.Reason,
		})
	}

	resumes := make([]resumeSchema, 0, len(session.Resumes))
	for _, resume := range session.Resumes {
		resumes = append(resumes, resumeSchema{At: formatTime(resume.At), FromStatus: string(resume.FromStatus)})
	}

	return sessionFileSchema{
		Version:         currentSessionVersion,
		ID:              string(session.ID),
		Status:          string(session.Status),
		FailureReason:   session.FailureReason,
		WorkingDir:      session.WorkingDir,
		Prompt:          session.Prompt,
		SandboxMode:     session.SandboxMode,
		StartedAt:       formatTime(session.StartedAt),
		UpdatedAt:       formatTime(session.UpdatedAt),
		Iteration:       session.Iteration,
		Iterations:      iterations,
		TotalCost:       session.TotalCost,
		Owner:           owner,
		ContextNotes:    notes,
		RateLimitEvents: events,
		Resumes:         resumes,
	}
}

func fromSessionSchema(file sessionFileSchema) domain.Session {
	iterations := make([]domain.IterationRecord, 0, len(file.Iterations))
	for _, record := range file.Iterations {
		iterations = append(iterations, domain.IterationRecord{
			Iteration:      record.Iteration,
			AgentSessionID: record.AgentSessionID,
			Model:          domain.ModelID(record.Model),
			Tier:           domain.Tier(record.Tier),
			Cost:           record.Cost,
			Tokens: domain.Tokens{
				Input:      record.Tokens.Input,
				Output:     record.Tokens.Output,
				CacheRead:  record.Tokens.CacheRead,
				CacheWrite: record.Tokens.CacheWrite,
			},
			DurationMs:     record.DurationMs,
			Outcome:        domain.Outcome(record.Outcome),
			ExitCode:       record.ExitCode,
			TimedOut:       record.TimedOut,
			ErrorSignature: record.ErrorSignature,
			FilesChanged:   record.FilesChanged,
			ContextReset:   record.ContextReset,
			StartedAt:      parseTime(record.StartedAt),
		})
	}

	var owner *domain.SessionOwner
	if file.Owner != nil {
		owner = &domain.SessionOwner{
			PID:       file.Owner.PID,
			Host:      file.Owner.Host,
			Token:     file.Owner.Token,
			ClaimedAt: parseTime(file.Owner.ClaimedAt),
		}
	}

	var notes []domain.ContextNote
	for _, note := range file.ContextNotes {
		notes = append(notes, domain.ContextNote{
			Text:              note.Text,
			AddedAt:           parseTime(note.AddedAt),
			ConsumedAt:        parseOptionalTime(note.ConsumedAt),
			ConsumedIteration: note.ConsumedIteration,
		})
	}

	var events []domain.RateLimitEvent
	for _, event := range file.RateLimitEvents {
		events = append(events, domain.RateLimitEvent{
			Model:           domain.ModelID(event.Model),
			At:              parseTime(event.At),
			CooldownSeconds: event.CooldownSeconds,
			Reason:          event.Reason,
		})
	}

	var resumes []domain.ResumeRecord
	for _, resume := range file.Resumes {
		resumes = append(resumes, domain.ResumeRecord{At: parseTime(resume.At), FromStatus: domain.SessionStatus(resume.FromStatus)})
	}

	return domain.Session{
		ID:              domain.SessionID(file.ID),
		Status:          domain.SessionStatus(file.Status),
		FailureReason:   file.FailureReason,
		WorkingDir:      file.WorkingDir,
		Prompt:          file.Prompt,
		SandboxMode:     file.SandboxMode,
		StartedAt:       parseTime(file.StartedAt),
		UpdatedAt:       parseTime(file.UpdatedAt),
		Iteration:       file.Iteration,
		Iterations:      iterations,
		TotalCost:       file.TotalCost,
		Owner:           owner,
		ContextNotes:    notes,
		RateLimitEvents: events,
		Resumes:         resumes,
	}
}
