package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/domain"
	"github.com/kursadbilgin/notification-pipeline/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "notification-pipeline:ratelimit"
	window    = time.Second
	minSleep  = 5 * time.Millisecond
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed one-second window shared by every worker process.
// Channels without an explicit limit use the default; a limit <= 0 means unlimited.
type RedisRateLimiter struct {
	client       goredis.Scripter
	defaultLimit int64
	limits       map[domain.Channel]int64
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client goredis.Scripter, defaultLimit int, perChannel map[domain.Channel]int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, defaultLimit, perChannel, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client goredis.Scripter,
	defaultLimit int,
	perChannel map[domain.Channel]int,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	limits := make(map[domain.Channel]int64, len(perChannel))
	for ch, limit := range perChannel {
		limits[domain.Channel(strings.ToLower(strings.TrimSpace(string(ch))))] = int64(limit)
	}

	return &RedisRateLimiter{
		client:       client,
		defaultLimit: int64(defaultLimit),
		limits:       limits,
		now:          nowFn,
		sleep:        sleepFn,
	}, nil
}

func (r *RedisRateLimiter) limitFor(channel domain.Channel) int64 {
	if limit, ok := r.limits[channel]; ok {
		return limit
	}
	return r.defaultLimit
}

func (r *RedisRateLimiter) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := domain.Channel(strings.ToLower(strings.TrimSpace(string(channel))))
	if normalized == "" {
		return false, fmt.Errorf("channel is required")
	}

	limit := r.limitFor(normalized)
	if limit <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("%s:%s:%d", keyPrefix, normalized, r.now().UTC().Unix())
	result, err := allowScript.Run(ctx, r.client, []string{key}, limit, int(window/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until the channel's current window admits one more send. A denied
// caller sleeps until the next window opens rather than polling Redis.
func (r *RedisRateLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	for {
		allowed, err := r.Allow(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, r.untilNextWindow()); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) untilNextWindow() time.Duration {
	now := r.now()
	return max(now.Truncate(window).Add(window).Sub(now), minSleep)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
