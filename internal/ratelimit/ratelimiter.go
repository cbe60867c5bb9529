// Package ratelimit throttles inbound chat requests per client with a
// fixed one-minute window kept in Redis, so every replica shares the count.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "ratelimit:chat:"
	defaultWindow = time.Minute
)

// incrScript increments the window counter and starts the window on the
// first hit. Returns {count, pttl}.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Limiter decides whether a client may make another request.
type Limiter interface {
	// AllowWithDetails counts one request for key. remaining is -1 and
	// resetAt is zero when limit is 0 (unlimited).
	AllowWithDetails(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// RateLimiter is the Redis-backed Limiter.
type RateLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a limiter with one-minute windows.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: defaultPrefix,
		window: defaultWindow,
		now:    time.Now,
	}
}

func (l *RateLimiter) key(k string) string {
	return l.prefix + k
}

func (l *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	res, err := incrScript.Run(ctx, l.client, []string{l.key(key)}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 2 {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check returned %d values", len(res))
	}

	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	resetAt := l.now().Add(ttl)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), remaining, resetAt, nil
}

// GetCurrentUsage returns the number of requests counted in the current
// window for key.
func (l *RateLimiter) GetCurrentUsage(ctx context.Context, key string) (int64, error) {
	n, err := l.client.Get(ctx, l.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return n, nil
}

// Reset clears the window for key.
func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// NoopLimiter allows everything. Used when Redis is not configured.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (NoopLimiter) Allow(ctx context.Context, key string) bool {
	return true
}

func (NoopLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	return true, -1, time.Time{}, nil
}
