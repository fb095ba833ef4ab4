package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/directory"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/retry"
	"github.com/lalithlochan/herald/internal/scheduler"
	"github.com/lalithlochan/herald/internal/sqs"
)

const sweepLockKey = "herald:sweep-lock"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	sweepOnce := flag.Bool("sweep-once", false, "run one retry sweep and exit")
	dispatchUser := flag.String("dispatch-user", "", "send one notification to this user id and exit")
	eventType := flag.String("event", "", "event type for -dispatch-user")
	values := flag.String("values", "{}", "JSON object of template values for -dispatch-user")
	flag.Parse()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("sweep_once", *sweepOnce),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, storeHealth, closeStore, err := openStore(ctx, cfg, logger)
	defer closeStore()
	if err != nil {
		return err
	}

	// Redis backs the profile cache and the sweep lock. Without it every
	// lookup goes upstream and the sweep only guards against itself.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, profile cache and sweep lock disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	var cache directory.Cache
	if redisClient != nil {
		cache = redis.NewProfileCache(redisClient, logger)
	}

	users, err := directory.NewClient(directory.Config{
		BaseURL:  cfg.UserDirectoryURL,
		Timeout:  cfg.DirectoryTimeout,
		CacheTTL: cfg.UserCacheTTL,
	}, cache, logger)
	if err != nil {
		return fmt.Errorf("failed to create directory client: %w", err)
	}

	renderer, err := loadTemplates(cfg, logger)
	if err != nil {
		return err
	}

	emailProvider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	smsSender, err := newSMSSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	breaker := newEmailBreaker(cfg, logger)
	email := channel.NewResilientEmailSender(
		emailProvider,
		breaker,
		retry.New(retry.Config{
			MaxTries:     cfg.RetryMaxTries,
			InitialDelay: cfg.RetryInitialDelay,
			Backoff:      cfg.RetryBackoff,
		}, logger),
		cfg.SendTimeout,
		logger,
	)

	deps := notify.Deps{
		Store:     store,
		Directory: users,
		Renderer:  renderer,
		Email:     email,
		SMS:       smsSender,
		Logger:    logger,
	}

	dispatcher, err := notify.NewDispatcher(deps)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	if *dispatchUser != "" {
		return dispatchOnce(ctx, dispatcher, *dispatchUser, *eventType, *values, logger)
	}

	var dlq notify.DeadLetterSink
	if cfg.SQSDLQURL != "" {
		publisher, err := sqs.NewDeadLetterPublisher(ctx, sqs.Config{
			Region: cfg.SQSRegion,
			DLQURL: cfg.SQSDLQURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs dead-letter publisher unavailable", zap.Error(err))
		} else {
			dlq = publisher
		}
	}
	if cfg.AdminEmail == "" {
		logger.Warn("ADMIN_EMAIL not set, permanent failures are only logged")
	}
	escalator := notify.NewEscalator(notify.EscalatorConfig{
		AdminEmail:   cfg.AdminEmail,
		AlertTimeout: cfg.SendTimeout,
	}, emailProvider, dlq, logger)

	var sweepOpts []notify.SweeperOption
	if redisClient != nil {
		sweepOpts = append(sweepOpts, notify.WithLocker(redis.NewLock(redisClient, sweepLockKey, cfg.SweepTimeout, logger)))
	}
	sweeper, err := notify.NewSweeper(deps, escalator, notify.SweepConfig{
		BatchSize:   cfg.SweepBatchSize,
		MaxAttempts: cfg.SweepMaxAttempts,
		SendRate:    cfg.SweepSendRate,
	}, sweepOpts...)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Schedule: cfg.SweepSchedule,
		Timeout:  cfg.SweepTimeout,
	}, sweeper, logger)
	if err != nil {
		return err
	}

	if *sweepOnce {
		res, err := sched.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("retry sweep failed: %w", err)
		}
		logger.Info("retry sweep complete",
			zap.Int("scanned", res.Scanned),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("escalated", res.Escalated),
		)
		return nil
	}

	var consumer *sqs.Consumer
	if cfg.SQSDispatchQueueURL != "" {
		consumer, err = sqs.NewConsumer(ctx, sqs.ConsumerConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSDispatchQueueURL,
			Workers:  cfg.ConsumerWorkers,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create dispatch queue consumer: %w", err)
		}
	}

	opts := []api.Option{
		api.WithNotifications(dispatcher),
		api.WithCheck("store", storeHealth),
		api.WithBreaker(breaker),
		api.WithDirectoryBreaker(users.BreakerState),
	}
	if redisClient != nil {
		opts = append(opts, api.WithCheck("redis", redisClient.Ping))
	}
	handler := api.NewHandler(logger, opts...)

	// POST /v1/notifications holds the response until every email retry is done.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Give outstanding dispatches time to record their outcome
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx, handleQueued(dispatcher, logger))
		})
	}

	return g.Wait()
}
