package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/observability"
	"github.com/bnema/agentloop/internal/ports"
)

var errRetentionVeto = errors.New("session no longer eligible for deletion")

type RetentionPolicy struct {
	// OlderThan selects sessions whose age exceeds it; zero selects any age.
	OlderThan time.Duration
	// KeepLast protects the N most recently updated sessions.
	KeepLast int
	// Statuses restricts deletion to these statuses when non-empty.
	Statuses []domain.SessionStatus
	DryRun   bool
}

type RetentionCandidate struct {
	Session domain.Session
	Age     time.Duration
}

type RetentionReport struct {
	Candidates []RetentionCandidate
	Deleted    []domain.SessionID
	Skipped    []domain.SessionID
}

type RetentionService struct {
	repo   ports.SessionRepository
	clock  ports.Clock
	logger *slog.Logger
}

func NewRetentionService(repo ports.SessionRepository, clock ports.Clock, logger *slog.Logger) *RetentionService {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &RetentionService{repo: repo, clock: clock, logger: observability.OrDiscard(logger)}
}

func (s *RetentionService) Apply(ctx context.Context, policy RetentionPolicy) (RetentionReport, error) {
	if policy.KeepLast < 0 {
		return RetentionReport{}, errors.New("keep-last must be >= 0")
	}
	for _, status := range policy.Statuses {
		if !status.Valid() {
			return RetentionReport{}, fmt.Errorf("unknown session status %q", status)
		}
	}

	listings, err := s.repo.List(ctx)
	if err != nil {
		return RetentionReport{}, fmt.Errorf("list sessions: %w", err)
	}

	now := s.clock.Now()
	aged := make([]RetentionCandidate, 0, len(listings))
	for _, listing := range listings {
		aged = append(aged, RetentionCandidate{Session: listing.Session, Age: listing.Session.Age(now, listing.ModTime)})
	}
	sort.SliceStable(aged, func(i, j int) bool { return aged[i].Age < aged[j].Age })

	report := RetentionReport{}
	for i, candidate := range aged {
		if i < policy.KeepLast {
			continue
		}
		if !policy.selects(candidate) {
			continue
		}
		report.Candidates = append(report.Candidates, candidate)
	}

	if policy.DryRun {
		return report, nil
	}

	for _, candidate := range report.Candidates {
		id := candidate.Session.ID
		removed, err := s.repo.Delete(ctx, id, func(current domain.Session) error {
			if !policy.matchesStatus(current.Status) {
				return errRetentionVeto
			}
			return nil
		})
		switch {
		case errors.Is(err, errRetentionVeto), errors.Is(err, domain.ErrCorruptState):
			report.Skipped = append(report.Skipped, id)
			continue
		case err != nil:
			return report, fmt.Errorf("delete session %s: %w", id, err)
		}
		if removed {
			s.logger.Info("deleted session", "session_id", string(id), "age", candidate.Age.Round(time.Second))
			report.Deleted = append(report.Deleted, id)
		}
	}

	return report, nil
}

func (p RetentionPolicy) selects(candidate RetentionCandidate) bool {
	if p.OlderThan > 0 && candidate.Age <= p.OlderThan {
		return false
	}
	return p.matchesStatus(candidate.Session.Status)
}

// matchesStatus never matches running sessions.
func (p RetentionPolicy) matchesStatus(status domain.SessionStatus) bool {
	if status == domain.SessionRunning {
		return false
	}
	if len(p.Statuses) == 0 {
		return true
	}
	for _, allowed := range p.Statuses {
		if allowed == status {
			return true
		}
	}
	return false
}
