// Package directory resolves user delivery preferences from the user
// directory service, with a read-through cache in front of it.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lalithlochan/herald/internal/metrics"
)

var (
	// ErrUserNotFound means the directory has no such user.
	ErrUserNotFound = errors.New("user not found")

	// ErrUnavailable means the directory could not be reached or answered
	// with an error.
	ErrUnavailable = errors.New("user directory unavailable")
)

// Profile is a user's delivery preferences.
type Profile struct {
	Email             string `json:"email,omitempty"`
	PhoneNumber       string `json:"phone_number,omitempty"`
	PreferredLanguage string `json:"preferred_language,omitempty"`
}

// Cache stores serialized profiles. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error
}

type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration

	// Breaker around the upstream service.
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:            baseURL,
		Timeout:            5 * time.Second,
		CacheTTL:           time.Hour,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   Cache
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	logger  *zap.Logger
}

// NewClient builds a Client. cache may be nil, in which case every lookup
// goes upstream.
func NewClient(cfg Config, cache Cache, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("directory base URL is required")
	}
	def := DefaultConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "user-directory",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		// A definite "no such user" is a healthy answer.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUserNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.RecordBreakerTransition(name, from.String(), to.String(), gaugeValue(to))
		},
	})
	return c, nil
}

// BreakerState reports the upstream breaker state for health checks.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// gaugeValue maps gobreaker states onto the herald_circuit_breaker_state
// encoding.
func gaugeValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// CacheKey is the cache key of a user's profile.
func CacheKey(userID uuid.UUID) string {
	return "user_details:" + userID.String()
}

// Resolve returns the user's profile from cache or, on a miss, from the
// directory service. Only successful lookups are cached.
func (c *Client) Resolve(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	key := CacheKey(userID)

	if p := c.fromCache(ctx, key); p != nil {
		metrics.RecordDirectoryLookup("cache", "hit")
		return p, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Detached so one caller giving up does not fail the others.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		p, err := c.fetch(fetchCtx, userID)
		if err != nil {
			return nil, err
		}
		c.toCache(fetchCtx, key, p)
		return p, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}

	if err := res.Err; err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			metrics.RecordDirectoryLookup("upstream", "not_found")
		default:
			metrics.RecordDirectoryLookup("upstream", "unavailable")
		}
		return nil, err
	}

	metrics.RecordDirectoryLookup("upstream", "found")
	if res.Shared {
		c.logger.Debug("directory lookup shared", zap.String("user_id", userID.String()))
	}
	p := *res.Val.(*Profile)
	return &p, nil
}

func (c *Client) fromCache(ctx context.Context, key string) *Profile {
	if c.cache == nil {
		return nil
	}
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("profile cache read failed, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil
	}
	if data == nil {
		return nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("discarding malformed cached profile", zap.String("key", key), zap.Error(err))
		return nil
	}
	return &p
}

func (c *Client) toCache(ctx context.Context, key string, p *Profile) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		c.logger.Error("failed to encode profile for cache", zap.Error(err))
		return
	}
	if err := c.cache.SetEx(ctx, key, c.cfg.CacheTTL, data); err != nil {
		c.logger.Warn("profile cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Client) fetch(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, userID)
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return v.(*Profile), nil
}

func (c *Client) get(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	url := c.cfg.BaseURL + "/users/" + userID.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode profile: %v", ErrUnavailable, err)
	}
	return &p, nil
}
