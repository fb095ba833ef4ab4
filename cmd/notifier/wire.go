package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/templates"
)

// openStore connects the configured record store. The returned close
// function is always non-nil.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Store, api.Check, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, func() {}, err
		}
		logger.Info("sqlite store opened", zap.String("path", cfg.SQLitePath))
		repo := db.NewSQLiteRepository(sqlDB, logger)
		return repo, repo.Health, func() { _ = sqlDB.Close() }, nil

	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db.NewRepository(database, logger), database.Health, database.Close, nil
	}
}

// loadTemplates reads TEMPLATES_PATH or falls back to the embedded table.
func loadTemplates(cfg *config.Config, logger *zap.Logger) (*templates.Resolver, error) {
	var (
		table *templates.Table
		err   error
	)
	if cfg.TemplatesPath != "" {
		table, err = templates.LoadFile(cfg.TemplatesPath)
	} else {
		table, err = templates.DefaultTable()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	return templates.NewResolver(table, logger)
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.EmailSender, error) {
	if cfg.EmailProvider == "log" {
		logger.Warn("email provider is log-only, no email will be delivered")
		return channel.NewLogEmailSender(logger), nil
	}
	sender, err := channel.NewSESSender(ctx, channel.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email sender: %w", err)
	}
	return sender, nil
}

func newSMSSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.SMSSender, error) {
	if cfg.SMSProvider == "mock" {
		return channel.NewMockSMSSender(logger), nil
	}
	sender, err := channel.NewSNSSender(ctx, channel.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS sender: %w", err)
	}
	return sender, nil
}

func newEmailBreaker(cfg *config.Config, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	bc := circuitbreaker.DefaultConfig("email")
	bc.MaxFailures = cfg.BreakerMaxFailures
	bc.RecoveryTimeout = cfg.BreakerRecoveryTimeout
	bc.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))
	}
	return circuitbreaker.New(bc, logger)
}
