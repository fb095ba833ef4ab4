package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/directory"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Locker is a lease shared across replicas.
type Locker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

type SweepConfig struct {
	// BatchSize caps the records handled per sweep.
	BatchSize int

	// MaxAttempts is the retry ceiling. A record whose attempts reach it is
	// escalated and no longer selected.
	MaxAttempts int

	// SendRate limits re-deliveries per second. Zero means unlimited.
	SendRate float64
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{BatchSize: 10, MaxAttempts: 3}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned    int
	Reconciled int // FAILED records that already carried a delivery token
	Sent       int
	Failed     int
	Escalated  int
	Skipped    int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeReconciled
	outcomeSent
	outcomeFailed
)

func (r *SweepResult) add(o outcome, escalated bool) {
	switch o {
	case outcomeSkipped:
		r.Skipped++
	case outcomeReconciled:
		r.Reconciled++
	case outcomeSent:
		r.Sent++
	case outcomeFailed:
		r.Failed++
	}
	if escalated {
		r.Escalated++
	}
}

// Sweeper re-attempts FAILED records. Only one sweep runs at a time per
// process, and per deployment when a Locker is configured.
type Sweeper struct {
	store     Store
	directory Directory
	pipeline  *pipeline
	escalator *Escalator
	cfg       SweepConfig
	locker    Locker
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

// SweeperOption configures optional Sweeper behavior.
type SweeperOption func(*Sweeper)

// WithLocker adds a cross-replica lock around each sweep.
func WithLocker(l Locker) SweeperOption {
	return func(s *Sweeper) { s.locker = l }
}

// NewSweeper creates a Sweeper.
func NewSweeper(deps Deps, escalator *Escalator, cfg SweepConfig, opts ...SweeperOption) (*Sweeper, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if escalator == nil {
		return nil, errors.New("notify: escalator is required")
	}
	def := DefaultSweepConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	logger := deps.logger()
	s := &Sweeper{
		store:     deps.Store,
		directory: deps.Directory,
		pipeline: &pipeline{
			renderer: deps.Renderer,
			email:    deps.Email,
			sms:      deps.SMS,
			logger:   logger,
		},
		escalator: escalator,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	if cfg.SendRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep processes one batch of FAILED records in order. A failure on one
// record never stops the batch. It returns ErrSweepInProgress without doing
// anything if another sweep holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if !s.mu.TryLock() {
		metrics.RecordSweep("skipped", 0)
		return result, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx)
		if err != nil {
			metrics.RecordSweep("error", 0)
			return result, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			metrics.RecordSweep("skipped", 0)
			return result, ErrSweepInProgress
		}
		defer release()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "notify.Sweep")
	defer span.End()

	start := s.now()
	s.logger.Info("attempting to retry failed notifications")

	records, err := s.store.Query(ctx, db.Filter{
		Status:     db.StatusFailed,
		AttemptsLT: s.cfg.MaxAttempts,
	}, s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		metrics.RecordSweep("error", s.now().Sub(start))
		return result, fmt.Errorf("query failed notifications: %w", err)
	}
	result.Scanned = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("sweep interrupted", zap.Int("remaining", result.Scanned-result.total()))
			break
		}
		o, escalated := s.processSafely(ctx, rec)
		result.add(o, escalated)
	}

	span.SetAttributes(
		attribute.Int("sweep.scanned", result.Scanned),
		attribute.Int("sweep.sent", result.Sent),
		attribute.Int("sweep.failed", result.Failed),
		attribute.Int("sweep.escalated", result.Escalated),
	)
	s.record(result, s.now().Sub(start))

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (r SweepResult) total() int {
	return r.Reconciled + r.Sent + r.Failed + r.Skipped
}

func (s *Sweeper) record(r SweepResult, elapsed time.Duration) {
	metrics.RecordSweep("completed", elapsed)
	metrics.AddSweepRecords("reconciled", r.Reconciled)
	metrics.AddSweepRecords("sent", r.Sent)
	metrics.AddSweepRecords("failed", r.Failed)
	metrics.AddSweepRecords("skipped", r.Skipped)
	metrics.AddSweepRecords("escalated", r.Escalated)

	s.logger.Info("finished retrying failed notifications",
		zap.Int("scanned", r.Scanned),
		zap.Int("reconciled", r.Reconciled),
		zap.Int("sent", r.Sent),
		zap.Int("failed", r.Failed),
		zap.Int("escalated", r.Escalated),
		zap.Int("skipped", r.Skipped),
		zap.Duration("elapsed", elapsed),
	)
}

func (s *Sweeper) processSafely(ctx context.Context, rec *db.Notification) (o outcome, escalated bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while retrying notification",
				zap.String("notification_id", rec.ID.String()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			o, escalated = outcomeSkipped, false
		}
	}()
	return s.process(ctx, rec)
}

func (s *Sweeper) process(ctx context.Context, rec *db.Notification) (outcome, bool) {
	logger := s.logger.With(
		zap.String("notification_id", rec.ID.String()),
		zap.String("event_type", rec.EventType),
	)

	// A token means the provider already accepted the email.
	if rec.Context.HasDeliveryToken() {
		if rec.Status == db.StatusSent {
			return outcomeSkipped, false
		}
		now := s.now()
		rec.Status = db.StatusSent
		rec.SentAt = &now
		rec.UpdatedAt = now
		if err := s.store.Update(ctx, rec); err != nil {
			logger.Error("failed to reclassify delivered notification", zap.Error(err))
			return outcomeSkipped, false
		}
		logger.Info("notification already delivered, marked SENT")
		return outcomeReconciled, false
	}

	// Count the attempt before trying, so a crash cannot retry forever.
	// The claim only succeeds against the attempts value this sweep read,
	// so a concurrent sweep in another process gets false and moves on.
	claimed, err := s.store.ClaimAttempt(ctx, rec, s.now())
	if err != nil {
		logger.Error("failed to record retry attempt, skipping", zap.Error(err))
		return outcomeSkipped, false
	}
	if !claimed {
		logger.Info("notification claimed by another sweep, skipping")
		return outcomeSkipped, false
	}
	logger = logger.With(zap.Int("attempts", rec.Attempts))
	logger.Info("retrying notification")

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return outcomeSkipped, false
		}
	}

	final := rec.Attempts >= s.cfg.MaxAttempts

	profile, err := s.directory.Resolve(ctx, rec.UserID)
	if err != nil {
		logger.Error("user not resolved during retry", zap.Error(err))
		if final {
			reason := ReasonUserNotFound
			if !errors.Is(err, directory.ErrUserNotFound) {
				reason = ReasonDirectoryUnavailable
			}
			s.escalator.Escalate(ctx, rec, reason, err)
		}
		return outcomeFailed, final
	}

	token, err := s.pipeline.deliver(ctx, profile, rec.EventType, rec.Context.Values)
	if err != nil {
		logger.Error("failed to resend notification", zap.Error(err))
		if final {
			s.escalator.Escalate(ctx, rec, ReasonSendFailed, err)
		}
		return outcomeFailed, final
	}

	now := s.now()
	rec.Status = db.StatusSent
	rec.SentAt = &now
	rec.UpdatedAt = now
	rec.Context.DeliveryToken = token
	if err := s.store.Update(ctx, rec); err != nil {
		logger.Error("notification resent but status not saved", zap.Error(err))
	} else {
		logger.Info("notification successfully resent")
	}
	return outcomeSent, false
}
