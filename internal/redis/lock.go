package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a single-key lease shared by every replica.
type Lock struct {
	client *Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewLock creates a lock on key. The lease expires after ttl even if the
// holder never releases it.
func NewLock(client *Client, key string, ttl time.Duration, logger *zap.Logger) *Lock {
	return &Lock{client: client, key: key, ttl: ttl, logger: logger}
}

// Acquire tries once to take the lock. On success it returns a release
// function; ok is false if another holder has it.
func (l *Lock) Acquire(ctx context.Context) (release func(), ok bool, err error) {
	token := uuid.NewString()

	set, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return nil, false, nil
	}

	release = func() {
		// The caller's ctx may already be done.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("failed to release lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, true, nil
}
