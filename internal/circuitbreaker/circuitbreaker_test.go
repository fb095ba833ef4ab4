package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, testLogger())
	cb.now = clock.Now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("ses")
	if cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 60*time.Second {
		t.Errorf("RecoveryTimeout = %s, want 60s", cfg.RecoveryTimeout)
	}
	if cfg.HalfOpenMaxRequests != 1 {
		t.Errorf("HalfOpenMaxRequests = %d, want 1", cfg.HalfOpenMaxRequests)
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("test"))
	trip(cb, 4)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after 4 failures, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("test"))
	trip(cb, 5)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("test"))
	trip(cb, 4)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 4)
	if cb.GetState() != StateClosed {
		t.Fatalf("failures are not consecutive, expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb, clock := newTestBreaker(DefaultConfig("test"))
	trip(cb, 5)
	clock.Advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("should reject while recovery timeout has not elapsed")
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(DefaultConfig("test"))
	trip(cb, 5)
	clock.Advance(60 * time.Second)
	if !cb.Allow() {
		t.Fatal("should allow trial call after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(DefaultConfig("test"))
	trip(cb, 5)
	clock.Advance(61 * time.Second)
	if !cb.Allow() {
		t.Fatal("first call should be the trial")
	}
	if cb.Allow() {
		t.Fatal("second call during trial should be rejected")
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulTrial(t *testing.T) {
	cb, clock := newTestBreaker(DefaultConfig("test"))
	trip(cb, 5)
	clock.Advance(61 * time.Second)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	if got := cb.Stats().FailureCount; got != 0 {
		t.Fatalf("FailureCount = %d, want 0", got)
	}
}

func TestCircuitBreaker_ReopensOnFailedTrial(t *testing.T) {
	cb, clock := newTestBreaker(DefaultConfig("test"))
	trip(cb, 5)
	clock.Advance(61 * time.Second)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if got := cb.Stats().FailureCount; got != 6 {
		t.Fatalf("FailureCount = %d, want 6", got)
	}
	// The timer restarts from the failed trial.
	clock.Advance(30 * time.Second)
	if cb.Allow() {
		t.Fatal("should reject until a full recovery timeout after the failed trial")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	type transition struct{ from, to State }
	var got []transition

	cfg := DefaultConfig("ses")
	cfg.OnStateChange = func(name string, from, to State) {
		if name != "ses" {
			t.Errorf("name = %q, want ses", name)
		}
		got = append(got, transition{from, to})
	}
	cb, clock := newTestBreaker(cfg)
	trip(cb, 5)
	clock.Advance(time.Minute)
	cb.Allow()
	cb.RecordSuccess()

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d transitions, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s->%s, want %s->%s", i, got[i].from, got[i].to, want[i].from, want[i].to)
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("test"))
	trip(cb, 5)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
	s := cb.Stats()
	if s.FailureCount != 0 {
		t.Errorf("FailureCount = %d after reset, want 0", s.FailureCount)
	}
	if s.TotalFailures != 5 {
		t.Errorf("TotalFailures = %d after reset, want 5 kept", s.TotalFailures)
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("stats"))
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 5)
	cb.Allow()

	s := cb.Stats()
	if s.Name != "stats" {
		t.Errorf("Name = %q", s.Name)
	}
	if s.State != "open" {
		t.Errorf("State = %q, want open", s.State)
	}
	if s.TotalRequests != 7 {
		t.Errorf("TotalRequests = %d, want 7", s.TotalRequests)
	}
	if s.TotalSuccesses != 1 || s.TotalFailures != 5 || s.TotalRejected != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.LastFailure == "" {
		t.Error("LastFailure should be set")
	}
}

func TestCircuitBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	var opens atomic.Int32
	cfg := DefaultConfig("concurrent")
	cfg.OnStateChange = func(_ string, _, to State) {
		if to == StateOpen {
			opens.Add(1)
		}
	}
	cb, _ := newTestBreaker(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				cb.RecordFailure()
			}
		}()
	}
	wg.Wait()

	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if n := opens.Load(); n != 1 {
		t.Fatalf("opened %d times, want 1", n)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// --- ProtectedSender tests ---

type mockSender struct {
	mu        sync.Mutex
	sendCalls int
	shouldErr bool
}

func (m *mockSender) SendEmail(_ context.Context, _, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if m.shouldErr {
		return "", errors.New("provider unavailable")
	}
	return "msg-123", nil
}

func TestProtectedSender_PassesThroughWhenClosed(t *testing.T) {
	sender := &mockSender{}
	cb, _ := newTestBreaker(DefaultConfig("test"))
	ps := NewProtectedSender(sender, cb, testLogger())

	token, err := ps.SendEmail(context.Background(), "a@example.com", "subj", "body")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "msg-123" {
		t.Fatalf("token = %q, want msg-123", token)
	}
	if sender.sendCalls != 1 {
		t.Fatalf("expected 1 send call, got %d", sender.sendCalls)
	}
}

func TestProtectedSender_FailsFastWhenOpen(t *testing.T) {
	sender := &mockSender{shouldErr: true}
	cb, _ := newTestBreaker(DefaultConfig("test"))
	ps := NewProtectedSender(sender, cb, testLogger())

	for i := 0; i < 5; i++ {
		_, _ = ps.SendEmail(context.Background(), "a@example.com", "s", "b")
	}
	if sender.sendCalls != 5 {
		t.Fatalf("expected 5 send calls, got %d", sender.sendCalls)
	}

	_, err := ps.SendEmail(context.Background(), "a@example.com", "s", "b")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if sender.sendCalls != 5 {
		t.Fatalf("sender should not be called when open, got %d calls", sender.sendCalls)
	}
}

func TestProtectedSender_RecoversAfterTimeout(t *testing.T) {
	sender := &mockSender{shouldErr: true}
	cb, clock := newTestBreaker(DefaultConfig("test"))
	ps := NewProtectedSender(sender, cb, testLogger())

	for i := 0; i < 5; i++ {
		_, _ = ps.SendEmail(context.Background(), "a@example.com", "s", "b")
	}
	clock.Advance(time.Minute)
	sender.shouldErr = false

	if _, err := ps.SendEmail(context.Background(), "a@example.com", "s", "b"); err != nil {
		t.Fatalf("trial call should succeed: %v", err)
	}
	if ps.Breaker().GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", ps.Breaker().GetState())
	}
}
