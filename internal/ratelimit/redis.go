package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// allowScript checks every window and increments all of them only when
// all pass. Running as a single script makes the check-then-act
// atomic: two concurrent clicks for the same fingerprint cannot both
// pass a window that only has room for one.
//
// KEYS[i] is the bucket key for window i. ARGV holds (limit, ttl)
// pairs per window. Returns 0 when allowed, otherwise the 1-based index
// of the first violated window.
var allowScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
    local limit = tonumber(ARGV[i * 2 - 1])
    local current = tonumber(redis.call('GET', key) or '0')
    if current >= limit then
        return i
    end
end
for i, key in ipairs(KEYS) do
    local ttl = tonumber(ARGV[i * 2])
    if redis.call('INCR', key) == 1 then
        redis.call('EXPIRE', key, ttl)
    end
end
return 0
`)

// RedisLimiter enforces the window list against Redis so every worker
// process shares one view of a visitor's click velocity. Bucket keys
// expire one full window after their bucket closes.
type RedisLimiter struct {
	client  *redis.Client
	windows []Window
	logger  *zap.Logger

	now func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, windows []Window, logger *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		windows: windows,
		logger:  logger,
		now:     time.Now,
	}
}

// Allow implements Limiter. Redis unavailability fails open with the
// error returned for the caller to log: a visitor browsing during a
// Redis outage should not lose legitimate clicks.
func (l *RedisLimiter) Allow(ctx context.Context, fingerprint string) (Result, error) {
	now := l.now()

	keys := make([]string, len(l.windows))
	argv := make([]interface{}, 0, len(l.windows)*2)
	for i, w := range l.windows {
		keys[i] = fmt.Sprintf("ratelimit:click:%s:%s:%d", fingerprint, w.Label, w.bucket(now))
		ttl := int64((2 * w.Duration) / time.Second)
		argv = append(argv, w.Count, ttl)
	}

	violated, err := allowScript.Run(ctx, l.client, keys, argv...).Int()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing click", zap.Error(err))
		return Result{Allowed: true}, err
	}

	if violated > 0 && violated <= len(l.windows) {
		return Result{Violated: l.windows[violated-1].Label}, nil
	}
	return Result{Allowed: true}, nil
}
