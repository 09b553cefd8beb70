package application

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/ports"
)

var sessionNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var selfProbe = fakeProbe{self: ports.ProcessIdentity{PID: 500, Host: "box"}, dead: map[int]bool{13: true}}

func newTestSessions(repo ports.SessionRepository, opts SessionServiceOptions) *SessionService {
	if opts.Probe == nil {
		opts.Probe = selfProbe
	}
	return NewSessionService(repo, fixedClock{now: sessionNow}, opts)
}

func TestSessionServiceCreateAssignsMemorableIDAndOwner(t *testing.T) {
	t.Parallel()

	svc := newTestSessions(newInMemorySessionRepo(), SessionServiceOptions{})

	session, err := svc.Create(context.Background(), "/work", "ship it", CreateSessionOptions{SandboxMode: "read-only"})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[a-z]+-[a-z]+-\d{4}$`), string(session.ID))
	assert.Equal(t, domain.SessionRunning, session.Status)
	assert.Zero(t, session.Iteration)
	assert.Equal(t, "read-only", session.SandboxMode)
	require.NotNil(t, session.Owner)
	assert.Equal(t, 500, session.Owner.PID)
	assert.NotEmpty(t, session.Owner.Token)
}

func TestSessionServiceCreateRetriesCollisionsThenFallsBackToUUID(t *testing.T) {
	t.Parallel()

	repo := newInMemorySessionRepo()
	repo.put(domain.Session{ID: "same-id-0000", Status: domain.SessionCompleted})
	svc := newTestSessions(repo, SessionServiceOptions{NewID: func() string { return "same-id-0000" }})

	session, err := svc.Create(context.Background(), "/work", "task", CreateSessionOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(session.ID), "same-id-0000-"))
	assert.Len(t, string(session.ID), len("same-id-0000-")+36)
}

func TestSessionServiceCreateRequiresPrompt(t *testing.T) {
	t.Parallel()

	_, err := newTestSessions(newInMemorySessionRepo(), SessionServiceOptions{}).Create(context.Background(), "/work", "  ", CreateSessionOptions{})
	assert.ErrorContains(t, err, "prompt is required")
}

func TestSessionServiceAppendAfterFinalizeFails(t *testing.T) {
	t.Parallel()

	svc := newTestSessions(newInMemorySessionRepo(), SessionServiceOptions{})
	session, err := svc.Create(context.Background(), "/work", "task", CreateSessionOptions{})
	require.NoError(t, err)

	updated, err := svc.AppendIteration(context.Background(), session.ID, domain.IterationRecord{Iteration: 1, Outcome: domain.OutcomeProgress, Cost: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Iteration)
	assert.InDelta(t, 0.5, updated.TotalCost, 1e-9)

	finalized, err := svc.Finalize(context.Background(), session.ID, domain.SessionCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, finalized.Status)
	assert.Nil(t, finalized.Owner)

	_, err = svc.AppendIteration(context.Background(), session.ID, domain.IterationRecord{Iteration: 2, Outcome: domain.OutcomeProgress})
	assert.ErrorIs(t, err, domain.ErrSessionTerminated)

	again, err := svc.Finalize(context.Background(), session.ID, domain.SessionFailed, domain.ReasonBudget)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, again.Status)
	assert.Empty(t, again.FailureReason)
}

func TestSessionServiceAppendRejectsInvalidRecords(t *testing.T) {
	t.Parallel()

	svc := newTestSessions(newInMemorySessionRepo(), SessionServiceOptions{})
	session, err := svc.Create(context.Background(), "/work", "task", CreateSessionOptions{})
	require.NoError(t, err)

	_, err = svc.AppendIteration(context.Background(), session.ID, domain.IterationRecord{Iteration: 2, Outcome: domain.OutcomeProgress})
	assert.ErrorContains(t, err, "out of order")

	_, err = svc.AppendIteration(context.Background(), session.ID, domain.IterationRecord{Iteration: 1, Outcome: domain.OutcomeProgress, Cost: -1})
	assert.ErrorContains(t, err, "cost must be >= 0")

	_, err = svc.AppendIteration(context.Background(), session.ID, domain.IterationRecord{Iteration: 1, Outcome: domain.OutcomeProgress, Tokens: domain.Tokens{Input: -5}})
	assert.ErrorContains(t, err, "token counts")
}

func TestSessionServiceFinalizeRejectsRunningTarget(t *testing.T) {
	t.Parallel()

	_, err := newTestSessions(newInMemorySessionRepo(), SessionServiceOptions{}).Finalize(context.Background(), "x-0001", domain.SessionRunning, "")
	assert.ErrorContains(t, err, "not a terminal status")
}

func TestSessionServiceResume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		session    domain.Session
		wantErr    error
		wantResume bool
	}{
		{
			name:    "completed is final",
			session: domain.Session{Status: domain.SessionCompleted},
			wantErr: domain.ErrSessionNotResumable,
		},
		{
			name:       "max iterations resumes",
			session:    domain.Session{Status: domain.SessionMaxIterations, Iteration: 5},
			wantResume: true,
		},
		{
			name:    "live local owner is busy",
			session: domain.Session{Status: domain.SessionRunning, Owner: &domain.SessionOwner{PID: 77, Host: "box"}},
			wantErr: domain.ErrSessionBusy,
		},
		{
			name:    "dead local owner is reclaimed",
			session: domain.Session{Status: domain.SessionRunning, Owner: &domain.SessionOwner{PID: 13, Host: "box"}},
		},
		{
			name:    "remote owner busy while fresh",
			session: domain.Session{Status: domain.SessionRunning, UpdatedAt: sessionNow.Add(-30 * time.Second), Owner: &domain.SessionOwner{PID: 13, Host: "elsewhere"}},
			wantErr: domain.ErrSessionBusy,
		},
		{
			name:    "remote owner stale",
			session: domain.Session{Status: domain.SessionRunning, UpdatedAt: sessionNow.Add(-time.Hour), Owner: &domain.SessionOwner{PID: 13, Host: "elsewhere"}},
		},
		{
			name:    "own process may reclaim",
			session: domain.Session{Status: domain.SessionRunning, Owner: &domain.SessionOwner{PID: 500, Host: "box"}},
		},
	}

	for i, tc := range tests {
		tc := tc
		id := domain.SessionID(fmt.Sprintf("resume-%04d", i))
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := newInMemorySessionRepo()
			tc.session.ID = id
			repo.put(tc.session)
			svc := newTestSessions(repo, SessionServiceOptions{OwnerStaleAfter: 2 * time.Minute})

			resumed, err := svc.Resume(context.Background(), id)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.SessionRunning, resumed.Status)
			require.NotNil(t, resumed.Owner)
			assert.Equal(t, 500, resumed.Owner.PID)
			if tc.wantResume {
				require.Len(t, resumed.Resumes, 1)
				assert.Equal(t, tc.session.Status, resumed.Resumes[0].FromStatus)
				assert.Equal(t, tc.session.Iteration, resumed.Iteration)
			} else {
				assert.Empty(t, resumed.Resumes)
			}
		})
	}
}

func TestSessionServiceResumeMissingSession(t *testing.T) {
	t.Parallel()

	_, err := newTestSessions(newInMemorySessionRepo(), SessionServiceOptions{}).Resume(context.Background(), "nope-0000")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionServiceContextNotes(t *testing.T) {
	t.Parallel()

	repo := newInMemorySessionRepo()
	repo.put(domain.Session{ID: "notes-0001", Status: domain.SessionCompleted})
	svc := newTestSessions(repo, SessionServiceOptions{})

	require.NoError(t, svc.InjectContext(context.Background(), "notes-0001", "prefer small commits"))
	require.NoError(t, svc.InjectContext(context.Background(), "notes-0001", "tests live in ./e2e"))
	assert.ErrorContains(t, svc.InjectContext(context.Background(), "notes-0001", " "), "context text is required")

	pending, err := svc.PendingContext(context.Background(), "notes-0001")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "prefer small commits", pending[0].Text)

	again, err := svc.PendingContext(context.Background(), "notes-0001")
	require.NoError(t, err)
	assert.Len(t, again, 2, "reading notes must not consume them")
}

func TestSessionServiceAppendIterationConsumesNotes(t *testing.T) {
	t.Parallel()

	repo := newInMemorySessionRepo()
	svc := newTestSessions(repo, SessionServiceOptions{})
	session, err := svc.Create(context.Background(), "/work", "task", CreateSessionOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.InjectContext(context.Background(), session.ID, "use the v2 API"))
	seen, err := svc.PendingContext(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, seen, 1)

	// Injected after the prompt was built, so the iteration never saw it.
	require.NoError(t, svc.InjectContext(context.Background(), session.ID, "skip the docs"))

	record := domain.IterationRecord{Iteration: 1, Model: "opus", Tier: domain.TierHigh, Outcome: domain.OutcomeProgress}
	updated, err := svc.AppendIteration(context.Background(), session.ID, record, seen...)
	require.NoError(t, err)

	require.Len(t, updated.ContextNotes, 2)
	assert.Equal(t, 1, updated.ContextNotes[0].ConsumedIteration)
	assert.False(t, updated.ContextNotes[0].Pending())
	assert.True(t, updated.ContextNotes[1].Pending())

	pending, err := svc.PendingContext(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "skip the docs", pending[0].Text)
}

func TestSessionServiceReleaseOwnershipKeepsStatus(t *testing.T) {
	t.Parallel()

	repo := newInMemorySessionRepo()
	svc := newTestSessions(repo, SessionServiceOptions{})
	session, err := svc.Create(context.Background(), "/work", "task", CreateSessionOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.ReleaseOwnership(context.Background(), session.ID, "someone-else"))
	current, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.NotNil(t, current.Owner)

	require.NoError(t, svc.ReleaseOwnership(context.Background(), session.ID, session.Owner.Token))
	current, err = svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Nil(t, current.Owner)
	assert.Equal(t, domain.SessionRunning, current.Status)
}

func TestSessionServiceRecordRateLimit(t *testing.T) {
	t.Parallel()

	repo := newInMemorySessionRepo()
	svc := newTestSessions(repo, SessionServiceOptions{})
	session, err := svc.Create(context.Background(), "/work", "task", CreateSessionOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.RecordRateLimit(context.Background(), session.ID, domain.RateLimitEvent{Model: "opus", At: sessionNow, CooldownSeconds: 60, Reason: "http_429"}))

	current, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, current.RateLimitEvents, 1)
	assert.Zero(t, current.Iteration)
}
