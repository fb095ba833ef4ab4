package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
)

var errTransient = errors.New("transient")

// newTestRetrier records waits instead of sleeping.
func newTestRetrier(cfg Config) (*Retrier, *[]time.Duration) {
	var waits []time.Duration
	r := New(cfg, zap.NewNop())
	r.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return r, &waits
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	r, waits := newTestRetrier(DefaultConfig())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(*waits) != 0 {
		t.Fatalf("expected no waits, got %v", *waits)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	r, waits := newTestRetrier(DefaultConfig())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if fmt.Sprint(*waits) != fmt.Sprint(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
}

func TestDo_ExhaustsTriesAndReturnsLastError(t *testing.T) {
	r, waits := newTestRetrier(DefaultConfig())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, errTransient)
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if err == nil || err.Error() != "attempt 3: transient" {
		t.Fatalf("expected final attempt error unchanged, got %v", err)
	}
	if len(*waits) != 2 {
		t.Fatalf("expected 2 waits, got %v", *waits)
	}
}

func TestDo_CircuitOpenNotRetried(t *testing.T) {
	r, waits := newTestRetrier(DefaultConfig())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("%w: ses sender unavailable", circuitbreaker.ErrCircuitOpen)
	})
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(*waits) != 0 {
		t.Fatalf("expected no waits, got %v", *waits)
	}
}

func TestDo_PerAttemptDeadlineIsRetried(t *testing.T) {
	r, _ := newTestRetrier(DefaultConfig())

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		attemptCtx, cancel := context.WithTimeout(ctx, time.Nanosecond)
		defer cancel()
		<-attemptCtx.Done()
		return attemptCtx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_CancelledParentStopsRetrying(t *testing.T) {
	r, _ := newTestRetrier(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected errTransient, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_CancelDuringWait(t *testing.T) {
	r := New(Config{MaxTries: 3, InitialDelay: time.Hour, Backoff: 2}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, errTransient) {
			t.Fatalf("expected errTransient, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SingleTryHasNoRetry(t *testing.T) {
	r, waits := newTestRetrier(Config{MaxTries: 1, InitialDelay: time.Second, Backoff: 2})

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) || calls != 1 || len(*waits) != 0 {
		t.Fatalf("err=%v calls=%d waits=%v", err, calls, *waits)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(Config{}, nil)
	if r.cfg.MaxTries != 3 || r.cfg.Backoff != 2 {
		t.Fatalf("unexpected defaults: %+v", r.cfg)
	}
}
