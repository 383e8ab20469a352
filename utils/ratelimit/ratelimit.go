package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Reset(ctx context.Context, key string, window time.Duration) error
}

// WindowLimiter is a fixed-window counter stored in Redis.
// Every node sharing the Redis instance sees the same budget.
type WindowLimiter struct {
	rdb      *redis.Client
	logger   *zap.Logger
	failOpen bool
	now      func() time.Time
}

// NewWindowLimiter creates a Redis backed limiter.
//
// Parameters:
//   - rdb: Redis client holding the counters
//   - logger: Logger for rejected and failed checks
//   - failOpen: allow requests when Redis is unreachable
//
// Returns:
//   - *WindowLimiter: The initialized limiter
func NewWindowLimiter(rdb *redis.Client, logger *zap.Logger, failOpen bool) *WindowLimiter {
	return &WindowLimiter{rdb: rdb, logger: logger, failOpen: failOpen, now: time.Now}
}

// Allow consumes one unit from key's budget for the current window.
//
// Parameters:
//   - key: caller identity, e.g. "ip:10.0.0.1:create"
//   - limit: requests allowed per window; <= 0 disables limiting
//   - window: window length
//
// Returns:
//   - Decision: whether the request may proceed and how long to wait otherwise
//   - error: Redis failure when the limiter is fail-closed
func (l *WindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	bucket := l.bucketKey(key, now, window)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
		if l.failOpen {
			return Decision{Allowed: true, Remaining: -1}, nil
		}
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := int(incr.Val())
	d := Decision{Allowed: count <= limit, Remaining: max(0, limit-count)}
	if !d.Allowed {
		d.RetryAfter = window - time.Duration(now.UnixNano()%int64(window))
		l.logger.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.Int("count", count),
			zap.Int("limit", limit),
		)
	}
	return d, nil
}

// Reset clears the current window for key.
func (l *WindowLimiter) Reset(ctx context.Context, key string, window time.Duration) error {
	if err := l.rdb.Del(ctx, l.bucketKey(key, l.now(), window)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit for key %s: %w", key, err)
	}
	return nil
}

func (l *WindowLimiter) bucketKey(key string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, now.UnixNano()/int64(window))
}
