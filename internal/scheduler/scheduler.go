// Package scheduler runs the retry sweep on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notify"
)

// Sweeper is the job the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context) (notify.SweepResult, error)
}

type Config struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 5m".
	Schedule string

	// Timeout bounds a single run.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Schedule: "@every 5m", Timeout: 4 * time.Minute}
}

// Scheduler triggers sweeps. A run that is still going when the next one
// is due causes that tick to be skipped.
type Scheduler struct {
	cfg     Config
	sweeper Sweeper
	cron    *cron.Cron
	logger  *zap.Logger

	base context.Context
}

// New validates the schedule and registers the sweep job.
func New(cfg Config, sweeper Sweeper, logger *zap.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, errors.New("scheduler: sweeper is required")
	}
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cl := cronLogger{logger: logger.Sugar()}
	s := &Scheduler{
		cfg:     cfg,
		sweeper: sweeper,
		logger:  logger,
		base:    context.Background(),
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits
// for an in-flight sweep to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.base = ctx
	s.cron.Start()
	s.logger.Info("retry sweep scheduled",
		zap.String("schedule", s.cfg.Schedule),
		zap.Duration("timeout", s.cfg.Timeout),
	)

	<-ctx.Done()

	s.logger.Info("stopping retry sweep scheduler")
	<-s.cron.Stop().Done()
	return nil
}

// RunOnce performs a single sweep bounded by the configured timeout.
func (s *Scheduler) RunOnce(ctx context.Context) (notify.SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.sweeper.Sweep(ctx)
}

func (s *Scheduler) tick() {
	_, err := s.RunOnce(s.base)
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrSweepInProgress):
		s.logger.Info("retry sweep already running elsewhere, skipping")
	case errors.Is(err, context.Canceled):
		s.logger.Info("retry sweep cancelled")
	default:
		s.logger.Error("retry sweep failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
