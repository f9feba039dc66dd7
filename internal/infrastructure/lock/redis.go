package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block a record
	DefaultLockTTL = 30 * time.Second

	redisKeyPrefix = "discovery-sync:lock:"
	pollInterval   = 50 * time.Millisecond
	releaseTimeout = 2 * time.Second
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process pointing at the same Redis
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a RedisLocker. A non-positive ttl uses DefaultLockTTL.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

// Acquire implements Locker by polling SET NX PX until it wins or ctx is done
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	acquire := func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to set lock %s: %w", key, err))
		}
		if !ok {
			return entities.ErrLockNotAcquired
		}
		return nil
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)
	if err := backoff.Retry(acquire, bo); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		// The caller's ctx may already be cancelled; release must still run
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		n, err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("⚠️ Failed to release record lock", zap.String("key", key), zap.Error(err))
			return
		}
		if n == 0 {
			l.logger.Warn("⚠️ Record lock expired before release", zap.String("key", key), zap.Duration("ttl", l.ttl))
		}
	}, nil
}
