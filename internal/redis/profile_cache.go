package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProfileCache stores serialized user profiles with a TTL.
type ProfileCache struct {
	client *Client
	logger *zap.Logger
}

// NewProfileCache creates a new profile cache.
func NewProfileCache(client *Client, logger *zap.Logger) *ProfileCache {
	return &ProfileCache{
		client: client,
		logger: logger,
	}
}

// Get returns the cached value, or (nil, nil) if the key doesn't exist.
func (c *ProfileCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	c.logger.Debug("profile cache hit", zap.String("key", key))
	return val, nil
}

// SetEx stores value under key for ttl.
func (c *ProfileCache) SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	if err := c.client.rdb.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis setex failed: %w", err)
	}
	return nil
}
