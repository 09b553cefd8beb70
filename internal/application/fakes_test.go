package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/ports"
)

type fixedClock struct {
	now time.Time
}

func (f fixedClock) Now() time.Time {
	return f.now
}

// manualClock advances only when told to, which lets the fake sleeper move
// time forward.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	clock *manualClock
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.slept = append(s.slept, d)
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return nil
}

type inMemoryModelStateRepo struct {
	mu     sync.Mutex
	states domain.ModelStates

	// contended makes the next Update calls fail with a lock timeout.
	contended int
}

func (r *inMemoryModelStateRepo) Load(_ context.Context) (domain.ModelStates, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

func (r *inMemoryModelStateRepo) Update(_ context.Context, fn func(states *domain.ModelStates) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contended > 0 {
		r.contended--
		return &domain.LockTimeoutError{Path: "models.json", Waited: time.Second, Attempts: 3}
	}
	working := r.snapshot()
	if err := fn(&working); err != nil {
		return err
	}
	r.states = working
	return nil
}

func (r *inMemoryModelStateRepo) snapshot() domain.ModelStates {
	copied := domain.ModelStates{Models: make(map[domain.ModelID]domain.ModelState, len(r.states.Models))}
	for id, state := range r.states.Models {
		state.Leases = append([]domain.Lease(nil), state.Leases...)
		copied.Models[id] = state
	}
	return copied
}

type inMemorySessionRepo struct {
	mu        sync.Mutex
	sessions  map[domain.SessionID]domain.Session
	modTimes  map[domain.SessionID]time.Time
	contended int
}

func newInMemorySessionRepo() *inMemorySessionRepo {
	return &inMemorySessionRepo{
		sessions: map[domain.SessionID]domain.Session{},
		modTimes: map[domain.SessionID]time.Time{},
	}
}

func (r *inMemorySessionRepo) Create(_ context.Context, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return domain.ErrSessionExists
	}
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *inMemorySessionRepo) Get(_ context.Context, id domain.SessionID) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return cloneSession(session), nil
}

func (r *inMemorySessionRepo) Update(_ context.Context, id domain.SessionID, fn func(session *domain.Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contended > 0 {
		r.contended--
		return &domain.LockTimeoutError{Path: string(id) + ".json", Waited: time.Second, Attempts: 3}
	}
	session, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	working := cloneSession(session)
	if err := fn(&working); err != nil {
		return err
	}
	r.sessions[id] = working
	return nil
}

func (r *inMemorySessionRepo) contend(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contended = n
}

func (r *inMemorySessionRepo) Delete(_ context.Context, id domain.SessionID, check func(session domain.Session) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return false, nil
	}
	if check != nil {
		if err := check(cloneSession(session)); err != nil {
			return false, err
		}
	}
	delete(r.sessions, id)
	return true, nil
}

func (r *inMemorySessionRepo) List(_ context.Context) ([]ports.SessionListing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listings := make([]ports.SessionListing, 0, len(r.sessions))
	for id, session := range r.sessions {
		listings = append(listings, ports.SessionListing{Session: cloneSession(session), ModTime: r.modTimes[id]})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Session.ID < listings[j].Session.ID })
	return listings, nil
}

func (r *inMemorySessionRepo) put(session domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = cloneSession(session)
}

func cloneSession(session domain.Session) domain.Session {
	session.Iterations = append([]domain.IterationRecord(nil), session.Iterations...)
	session.ContextNotes = append([]domain.ContextNote(nil), session.ContextNotes...)
	session.RateLimitEvents = append([]domain.RateLimitEvent(nil), session.RateLimitEvents...)
	session.Resumes = append([]domain.ResumeRecord(nil), session.Resumes...)
	if session.Owner != nil {
		owner := *session.Owner
		session.Owner = &owner
	}
	return session
}

// fakeProbe treats pids in dead as exited and hosts other than host as remote.
type fakeProbe struct {
	self ports.ProcessIdentity
	dead map[int]bool
}

func (p fakeProbe) Self() ports.ProcessIdentity {
	return p.self
}

func (p fakeProbe) Local(id ports.ProcessIdentity) bool {
	return id.Host == "" || id.Host == p.self.Host
}

func (p fakeProbe) Dead(id ports.ProcessIdentity) bool {
	return p.Local(id) && p.dead[id.PID]
}

// scriptedAgent replays results in order and repeats the last one.
type scriptedAgent struct {
	mu       sync.Mutex
	results  []scriptedResult
	requests []ports.AgentRequest
	onRun    func(req ports.AgentRequest)
}

type scriptedResult struct {
	result ports.AgentResult
	err    error
}

func (a *scriptedAgent) Run(ctx context.Context, req ports.AgentRequest) (ports.AgentResult, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	idx := len(a.requests) - 1
	if idx >= len(a.results) {
		idx = len(a.results) - 1
	}
	next := a.results[idx]
	onRun := a.onRun
	a.mu.Unlock()

	if onRun != nil {
		onRun(req)
	}
	if err := ctx.Err(); err != nil {
		return ports.AgentResult{}, err
	}
	return next.result, next.err
}

func (a *scriptedAgent) calls() []ports.AgentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ports.AgentRequest(nil), a.requests...)
}

func progress(cost float64) scriptedResult {
	return scriptedResult{result: ports.AgentResult{Output: "working", Cost: cost, Duration: 30 * time.Second, AgentSessionID: "agent-1"}}
}

func complete(cost float64) scriptedResult {
	return scriptedResult{result: ports.AgentResult{Output: "done " + domain.DefaultCompletionMarker, Cost: cost, Duration: 30 * time.Second, AgentSessionID: "agent-1"}}
}

func failure(output string) scriptedResult {
	return scriptedResult{result: ports.AgentResult{Output: output, ExitCode: 1, Duration: 30 * time.Second}}
}

type countingTracker struct {
	mu      sync.Mutex
	pending []int
	closed  bool
}

func (t *countingTracker) TakeChanges() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return 0
	}
	next := t.pending[0]
	t.pending = t.pending[1:]
	return next
}

func (t *countingTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeWatcher struct {
	tracker ports.ChangeTracker
}

// lateTracker counts changes reported through add, as a watcher does when
// events arrive after the agent process has exited.
type lateTracker struct {
	mu    sync.Mutex
	count int
}

func (t *lateTracker) add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

func (t *lateTracker) TakeChanges() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	taken := t.count
	t.count = 0
	return taken
}

func (t *lateTracker) Close() error { return nil }

func (w fakeWatcher) Watch(context.Context, string) (ports.ChangeTracker, error) {
	return w.tracker, nil
}

type recordingMetrics struct {
	mu         sync.Mutex
	iterations []domain.IterationRecord
	rateLimits []domain.ModelID
	cooldowns  []time.Duration
	ends       []domain.SessionStatus
	flushes    int
}

func (m *recordingMetrics) ObserveIteration(record domain.IterationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations = append(m.iterations, record)
}

func (m *recordingMetrics) ObserveRateLimit(model domain.ModelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = append(m.rateLimits, model)
}

func (m *recordingMetrics) ObserveCooldown(wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns = append(m.cooldowns, wait)
}

func (m *recordingMetrics) ObserveSessionEnd(status domain.SessionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends = append(m.ends, status)
}

func (m *recordingMetrics) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}
