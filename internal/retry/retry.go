// Package retry re-runs an operation on transient failure with
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxTries is the total number of attempts, including the first.
	MaxTries int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// Backoff multiplies the delay after every failed attempt.
	Backoff float64
}

// DefaultConfig returns the configuration used around the email provider.
func DefaultConfig() Config {
	return Config{
		MaxTries:     3,
		InitialDelay: 2 * time.Second,
		Backoff:      2,
	}
}

// Retrier runs operations under a Config. It keeps no state between calls
// and is safe for concurrent use.
type Retrier struct {
	cfg    Config
	logger *zap.Logger
	wait   func(ctx context.Context, d time.Duration) error
}

// New creates a Retrier. Non-positive values fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) *Retrier {
	def := DefaultConfig()
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{cfg: cfg, logger: logger, wait: sleep}
}

// Do calls op until it succeeds or the tries run out. Failures that wrap
// circuitbreaker.ErrCircuitOpen, and failures after ctx is done, are
// returned immediately. The last attempt's error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	tries := r.cfg.MaxTries
	delay := r.cfg.InitialDelay
	attempt := 0

	for tries > 1 {
		attempt++
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !r.retryable(ctx, err) {
			return err
		}

		r.logger.Warn("operation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_tries", r.cfg.MaxTries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if werr := r.wait(ctx, delay); werr != nil {
			return err
		}
		delay = time.Duration(float64(delay) * r.cfg.Backoff)
		tries--
	}

	return op(ctx)
}

func (r *Retrier) retryable(ctx context.Context, err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return false
	}
	// A per-attempt deadline is retryable, the caller giving up is not.
	return ctx.Err() == nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
