package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

const maxIDAttempts = 8

type SessionServiceOptions struct {
	// OwnerStaleAfter bounds how long an owner on another host is presumed
	// alive after the session's last update.
	OwnerStaleAfter time.Duration
	Probe           ports.ProcessProbe
	Logger          *slog.Logger
	NewID           func() string
}

type CreateSessionOptions struct {
	SandboxMode string
}

type SessionService struct {
	repo       ports.SessionRepository
	clock      ports.Clock
	probe      ports.ProcessProbe
	logger     *slog.Logger
	staleAfter time.Duration
	newID      func() string
}

func NewSessionService(repo ports.SessionRepository, clock ports.Clock, opts SessionServiceOptions) *SessionService {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if opts.Probe == nil {
		opts.Probe = unknownProbe{}
	}
	if opts.NewID == nil {
		opts.NewID = memorableID
	}
	if opts.OwnerStaleAfter <= 0 {
		opts.OwnerStaleAfter = 2 * time.Minute
	}

	return &SessionService{
		repo:       repo,
		clock:      clock,
		probe:      opts.Probe,
		logger:     observability.OrDiscard(opts.Logger),
		staleAfter: opts.OwnerStaleAfter,
		newID:      opts.NewID,
	}
}

// Create claims a fresh memorable id and persists a running session owned by
// this process.
func (s *SessionService) Create(ctx context.Context, workingDir, prompt string, opts CreateSessionOptions) (domain.Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return domain.Session{}, errors.New("prompt is required")
	}

	now := s.clock.Now()
	session := domain.Session{
		Status:      domain.SessionRunning,
		WorkingDir:  workingDir,
		Prompt:      prompt,
		SandboxMode: opts.SandboxMode,
		StartedAt:   now,
		UpdatedAt:   now,
		Owner:       s.newOwner(now),
	}

	var lastID string
	for attempt := 0; attempt <= maxIDAttempts; attempt++ {
		id := s.newID()
		if attempt == maxIDAttempts {
			id = fmt.Sprintf("%s-%s", id, uuid.NewString())
		}
		session.ID = domain.SessionID(id)
		lastID = id

		err := s.repo.Create(ctx, session)
		if err == nil {
			s.logger.Info("session created", "session_id", id, "working_dir", workingDir)
			return session, nil
		}
		if !errors.Is(err, domain.ErrSessionExists) {
			return domain.Session{}, fmt.Errorf("create session: %w", err)
		}
	}

	return domain.Session{}, fmt.Errorf("create session %s: %w", lastID, domain.ErrSessionExists)
}

func (s *SessionService) Get(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	session, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *SessionService) List(ctx context.Context) ([]ports.SessionListing, error) {
	listings, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return listings, nil
}

// AppendIteration records the next iteration of a running session and
// returns the updated document. The consumed notes, as returned by
// PendingContext for this iteration's prompt, are marked consumed in the same
// write.
func (s *SessionService) AppendIteration(ctx context.Context, id domain.SessionID, record domain.IterationRecord, consumed ...domain.ContextNote) (domain.Session, error) {
	if err := record.Validate(); err != nil {
		return domain.Session{}, fmt.Errorf("validate iteration record: %w", err)
	}

	var updated domain.Session
	err := s.repo.Update(ctx, id, func(session *domain.Session) error {
		if session.Status != domain.SessionRunning {
			return fmt.Errorf("%w: %s is %s", domain.ErrSessionTerminated, id, session.Status)
		}
		if record.Iteration != session.Iteration+1 {
			return fmt.Errorf("iteration %d out of order for %s (expected %d)", record.Iteration, id, session.Iteration+1)
		}

		now := s.clock.Now()
		for i := range session.ContextNotes {
			note := &session.ContextNotes[i]
			if !note.Pending() || !slices.ContainsFunc(consumed, note.SameNote) {
				continue
			}
			note.ConsumedAt = now
			note.ConsumedIteration = record.Iteration
		}

		session.Iterations = append(session.Iterations, record)
		session.Iteration = record.Iteration
		session.TotalCost += record.Cost
		session.UpdatedAt = now
		updated = *session
		return nil
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("append iteration: %w", err)
	}

	return updated, nil
}

// Finalize moves a running session to a terminal status and clears its
// owner. Finalizing an already terminal session changes nothing.
func (s *SessionService) Finalize(ctx context.Context, id domain.SessionID, status domain.SessionStatus, reason string) (domain.Session, error) {
	if !status.Terminal() {
		return domain.Session{}, fmt.Errorf("finalize %s: %q is not a terminal status", id, status)
	}

	var updated domain.Session
	err := s.repo.Update(ctx, id, func(session *domain.Session) error {
		if session.Status.Terminal() {
			updated = *session
			return nil
		}

		session.Status = status
		session.FailureReason = reason
		session.Owner = nil
		session.UpdatedAt = s.clock.Now()
		updated = *session
		return nil
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("finalize session: %w", err)
	}

	return updated, nil
}

// Resume claims ownership of a resumable session. Terminal sessions move
// back to running and the transition is recorded.
func (s *SessionService) Resume(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	var resumed domain.Session
	err := s.repo.Update(ctx, id, func(session *domain.Session) error {
		if !session.Status.Resumable() {
			return fmt.Errorf("%w: %s is %s", domain.ErrSessionNotResumable, id, session.Status)
		}

		now := s.clock.Now()
		if s.ownerAlive(*session, now) {
			return fmt.Errorf("%w: %s (pid %d on %s)", domain.ErrSessionBusy, id, session.Owner.PID, session.Owner.Host)
		}

		if session.Status.Terminal() {
			session.Resumes = append(session.Resumes, domain.ResumeRecord{At: now, FromStatus: session.Status})
			session.Status = domain.SessionRunning
			session.FailureReason = ""
		}
		session.Owner = s.newOwner(now)
		session.UpdatedAt = now
		resumed = *session
		return nil
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("resume session: %w", err)
	}

	s.logger.Info("session resumed", "session_id", string(id), "iteration", resumed.Iteration)
	return resumed, nil
}

// ReleaseOwnership clears the owner if it still carries token. The status is
// left alone so the session can be resumed later.
func (s *SessionService) ReleaseOwnership(ctx context.Context, id domain.SessionID, token string) error {
	err := s.repo.Update(ctx, id, func(session *domain.Session) error {
		if session.Owner == nil || session.Owner.Token != token {
			return nil
		}
		session.Owner = nil
		session.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("release session ownership: %w", err)
	}
	return nil
}

// InjectContext queues a note for the next prompt. It works in any status.
func (s *SessionService) InjectContext(ctx context.Context, id domain.SessionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("context text is required")
	}

	err := s.repo.Update(ctx, id, func(session *domain.Session) error {
		session.ContextNotes = append(session.ContextNotes, domain.ContextNote{Text: text, AddedAt: s.clock.Now()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("inject context: %w", err)
	}

	return nil
}

// PendingContext returns the notes not yet folded into a recorded iteration,
// in insertion order. Reading them does not consume them.
func (s *SessionService) PendingContext(ctx context.Context, id domain.SessionID) ([]domain.ContextNote, error) {
	session, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read pending context: %w", err)
	}
	return session.PendingContext(), nil
}

func (s *SessionService) RecordRateLimit(ctx context.Context, id domain.SessionID, event domain.RateLimitEvent) error {
	err := s.repo.Update(ctx, id, func(session *domain.Session) error {
		session.RateLimitEvents = append(session.RateLimitEvents, event)
		session.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("record rate limit: %w", err)
	}
	return nil
}

func (s *SessionService) newOwner(now time.Time) *domain.SessionOwner {
	self := s.probe.Self()
	return &domain.SessionOwner{PID: self.PID, Host: self.Host, Token: uuid.NewString(), ClaimedAt: now}
}

func (s *SessionService) ownerAlive(session domain.Session, now time.Time) bool {
	if session.Owner == nil {
		return false
	}

	owner := ports.ProcessIdentity{PID: session.Owner.PID, Host: session.Owner.Host}
	if owner == s.probe.Self() {
		return false
	}
	if s.probe.Local(owner) {
		return !s.probe.Dead(owner)
	}

	return now.Sub(session.UpdatedAt) <= s.staleAfter
}
