package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Store: "postgres" or "sqlite"
	StoreDriver string
	SQLitePath  string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)
	SQSRegion    string
	SQSDLQURL    string

	// SQSDispatchQueueURL feeds Dispatch from a queue, empty disables it
	SQSDispatchQueueURL string
	ConsumerWorkers     int

	// Providers: "ses" or "log" for email, "sns" or "mock" for SMS
	EmailProvider string
	SMSProvider   string

	// AdminEmail receives permanent-failure alerts
	AdminEmail string

	// User directory
	UserDirectoryURL string
	DirectoryTimeout time.Duration
	UserCacheTTL     time.Duration

	// TemplatesPath overrides the embedded template table
	TemplatesPath string

	// Email resilience
	SendTimeout            time.Duration
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration
	RetryMaxTries          int
	RetryInitialDelay      time.Duration
	RetryBackoff           float64

	// Retry sweep
	SweepSchedule    string
	SweepBatchSize   int
	SweepMaxAttempts int
	SweepTimeout     time.Duration
	SweepSendRate    float64 // resends per second, 0 = unlimited
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: "postgres",
		SQLitePath:  "herald.db",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@herald.local",

		EmailProvider: "ses",
		SMSProvider:   "mock",

		UserDirectoryURL: "http://localhost:8000",
		DirectoryTimeout: 5 * time.Second,
		UserCacheTTL:     time.Hour,

		SendTimeout:            10 * time.Second,
		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 60 * time.Second,
		RetryMaxTries:          3,
		RetryInitialDelay:      2 * time.Second,
		RetryBackoff:           2,

		SweepSchedule:    "@every 5m",
		SweepBatchSize:   10,
		SweepMaxAttempts: 3,
		SweepTimeout:     4 * time.Minute,

		ConsumerWorkers: 10,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.StoreDriver = strings.ToLower(driver)
	}
	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "sqlite" {
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", cfg.StoreDriver)
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS dead-letter queue, empty disables it
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}

	if url := os.Getenv("SQS_DISPATCH_QUEUE_URL"); url != "" {
		cfg.SQSDispatchQueueURL = url
	}

	if p := os.Getenv("EMAIL_PROVIDER"); p != "" {
		cfg.EmailProvider = strings.ToLower(p)
	}
	if cfg.EmailProvider != "ses" && cfg.EmailProvider != "log" {
		return nil, fmt.Errorf("invalid EMAIL_PROVIDER: %q", cfg.EmailProvider)
	}

	if p := os.Getenv("SMS_PROVIDER"); p != "" {
		cfg.SMSProvider = strings.ToLower(p)
	}
	if cfg.SMSProvider != "sns" && cfg.SMSProvider != "mock" {
		return nil, fmt.Errorf("invalid SMS_PROVIDER: %q", cfg.SMSProvider)
	}

	if admin := os.Getenv("ADMIN_EMAIL"); admin != "" {
		cfg.AdminEmail = admin
	}

	if url := os.Getenv("USER_DIRECTORY_URL"); url != "" {
		cfg.UserDirectoryURL = strings.TrimRight(url, "/")
	}

	if path := os.Getenv("TEMPLATES_PATH"); path != "" {
		cfg.TemplatesPath = path
	}

	if s := os.Getenv("SWEEP_SCHEDULE"); s != "" {
		cfg.SweepSchedule = s
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DIRECTORY_TIMEOUT", &cfg.DirectoryTimeout},
		{"USER_CACHE_TTL", &cfg.UserCacheTTL},
		{"SEND_TIMEOUT", &cfg.SendTimeout},
		{"BREAKER_RECOVERY_TIMEOUT", &cfg.BreakerRecoveryTimeout},
		{"RETRY_INITIAL_DELAY", &cfg.RetryInitialDelay},
		{"SWEEP_TIMEOUT", &cfg.SweepTimeout},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst); err != nil {
			return nil, err
		}
	}

	positiveInts := []struct {
		key string
		dst *int
	}{
		{"BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"RETRY_MAX_TRIES", &cfg.RetryMaxTries},
		{"SWEEP_BATCH_SIZE", &cfg.SweepBatchSize},
		{"SWEEP_MAX_ATTEMPTS", &cfg.SweepMaxAttempts},
		{"CONSUMER_WORKERS", &cfg.ConsumerWorkers},
	}
	for _, p := range positiveInts {
		if err := parsePositiveInt(p.key, p.dst); err != nil {
			return nil, err
		}
	}

	if backoff := os.Getenv("RETRY_BACKOFF"); backoff != "" {
		b, err := strconv.ParseFloat(backoff, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BACKOFF: %w", err)
		}
		if b < 1 {
			return nil, fmt.Errorf("invalid RETRY_BACKOFF: %v is below 1", b)
		}
		cfg.RetryBackoff = b
	}

	if r := os.Getenv("SWEEP_SEND_RATE"); r != "" {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_SEND_RATE: %w", err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid SWEEP_SEND_RATE: %v is negative", v)
		}
		cfg.SweepSendRate = v
	}

	return cfg, nil
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: %s is not positive", key, d)
	}
	*dst = d
	return nil
}

func parsePositiveInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("invalid %s: %d is not positive", key, n)
	}
	*dst = n
	return nil
}
