package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/directory"
	"github.com/lalithlochan/herald/internal/templates"
)

// fakeStore is an in-memory Store with the same attempts rule as the real
// backends.
type fakeStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]db.Notification
	inserts   int
	updates   int
	insertErr error
	updateErr func(n *db.Notification) error
	claimErr  func(n *db.Notification) error
	queryErr  error
	// queried runs after Query has taken its snapshot.
	queried func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[uuid.UUID]db.Notification{}}
}

func (s *fakeStore) Insert(_ context.Context, n *db.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserts++
	s.records[n.ID] = clone(n)
	return nil
}

func (s *fakeStore) Update(_ context.Context, n *db.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		if err := s.updateErr(n); err != nil {
			return err
		}
	}
	cur, ok := s.records[n.ID]
	if !ok {
		return db.ErrNotFound
	}
	s.updates++
	next := clone(n)
	next.Attempts = max(cur.Attempts, n.Attempts)
	next.CreatedAt = cur.CreatedAt
	s.records[n.ID] = next
	n.Attempts = next.Attempts
	return nil
}

func (s *fakeStore) ClaimAttempt(_ context.Context, n *db.Notification, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		if err := s.claimErr(n); err != nil {
			return false, err
		}
	}
	cur, ok := s.records[n.ID]
	if !ok || cur.Status != db.StatusFailed || cur.Attempts != n.Attempts {
		return false, nil
	}
	cur.Attempts++
	cur.UpdatedAt = at
	s.records[n.ID] = cur
	n.Attempts = cur.Attempts
	n.UpdatedAt = at
	return true, nil
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.records[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	out := clone(&n)
	return &out, nil
}

func (s *fakeStore) Query(_ context.Context, f db.Filter, limit int) ([]*db.Notification, error) {
	out, err := s.snapshot(f, limit)
	if err == nil && s.queried != nil {
		s.queried()
	}
	return out, err
}

func (s *fakeStore) snapshot(f db.Filter, limit int) ([]*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []*db.Notification
	for _, n := range s.records {
		if f.UserID != nil && n.UserID != *f.UserID {
			continue
		}
		if f.EventType != "" && n.EventType != f.EventType {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.AttemptsLT > 0 && n.Attempts >= f.AttemptsLT {
			continue
		}
		c := clone(&n)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) get(t *testing.T, id uuid.UUID) db.Notification {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.records[id]
	require.True(t, ok, "record %s not stored", id)
	return n
}

func (s *fakeStore) put(n db.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[n.ID] = clone(&n)
}

func clone(n *db.Notification) db.Notification {
	c := *n
	c.Context.Values = make(map[string]any, len(n.Context.Values))
	for k, v := range n.Context.Values {
		c.Context.Values[k] = v
	}
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	return c
}

type fakeDirectory struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]*directory.Profile
	err      error
	calls    int
}

func (d *fakeDirectory) Resolve(_ context.Context, userID uuid.UUID) (*directory.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	p, ok := d.profiles[userID]
	if !ok {
		return nil, directory.ErrUserNotFound
	}
	cp := *p
	return &cp, nil
}

type sentEmail struct {
	to, subject, body string
}

type fakeEmail struct {
	mu      sync.Mutex
	sent    []sentEmail
	ctxErrs []error
	token   string
	fn      func() error
}

func (e *fakeEmail) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, sentEmail{to, subject, body})
	e.ctxErrs = append(e.ctxErrs, ctx.Err())
	if e.fn != nil {
		if err := e.fn(); err != nil {
			return "", err
		}
	}
	tok := e.token
	if tok == "" {
		tok = "ses-msg-1"
	}
	return tok, nil
}

func (e *fakeEmail) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *fakeSMS) SendSMS(_ context.Context, phone, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, phone)
	if s.err != nil {
		return &channel.SendError{Channel: channel.SMS, Err: s.err}
	}
	return nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	reasons []string
	ctxErrs []error
	err     error
}

func (q *fakeDLQ) PublishDeadLetter(ctx context.Context, _ *db.Notification, reason string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reasons = append(q.reasons, reason)
	q.ctxErrs = append(q.ctxErrs, ctx.Err())
	return "dlq-1", q.err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	store *fakeStore
	dir   *fakeDirectory
	email *fakeEmail
	sms   *fakeSMS
	admin *fakeEmail
	dlq   *fakeDLQ
	clock *fakeClock
	deps  Deps
}

var errProviderDown = errors.New("provider down")

func newFixture(t *testing.T) *fixture {
	t.Helper()
	table, err := templates.DefaultTable()
	require.NoError(t, err)
	renderer, err := templates.NewResolver(table, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		store: newFakeStore(),
		dir:   &fakeDirectory{profiles: map[uuid.UUID]*directory.Profile{}},
		email: &fakeEmail{},
		sms:   &fakeSMS{},
		admin: &fakeEmail{token: "admin-msg"},
		dlq:   &fakeDLQ{},
		clock: &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.deps = Deps{
		Store:     f.store,
		Directory: f.dir,
		Renderer:  renderer,
		Email:     f.email,
		SMS:       f.sms,
		Logger:    zap.NewNop(),
	}
	return f
}

func (f *fixture) addUser(p directory.Profile) uuid.UUID {
	id := uuid.New()
	f.dir.profiles[id] = &p
	return id
}

func (f *fixture) dispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(f.deps)
	require.NoError(t, err)
	d.now = f.clock.Now
	return d
}

func (f *fixture) escalator() *Escalator {
	return NewEscalator(EscalatorConfig{AdminEmail: "ops@example.com"}, f.admin, f.dlq, zap.NewNop())
}

func (f *fixture) sweeper(t *testing.T, opts ...SweeperOption) *Sweeper {
	t.Helper()
	s, err := NewSweeper(f.deps, f.escalator(), DefaultSweepConfig(), opts...)
	require.NoError(t, err)
	s.now = f.clock.Now
	return s
}

var paymentValues = map[string]any{
	"property_title": "Sunny Apartment",
	"location":       "Bole",
	"amount":         1500.0,
}
