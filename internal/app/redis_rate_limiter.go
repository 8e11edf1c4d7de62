/**
 * @description
 * This file contains the Redis-backed rate limiter used to throttle join
 * attempts per user. The counter is maintained atomically in Redis with a
 * small Lua script so concurrent instances share one budget.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript increments the counter for a key and stamps the window
// TTL only on the first hit, so the window never slides.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisRateLimiter implements JoinRateLimiter on top of a shared Redis
// instance.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter creates a limiter bound to the given client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// ConsumeRateLimit atomically consumes one unit of the subject's budget and
// reports the running count plus the seconds until the window resets.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", scope, subject)

	res, err := rateLimitScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	count, ok := res[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("rate limit script: unexpected count type %T", res[0])
	}
	ttlMillis, ok := res[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("rate limit script: unexpected ttl type %T", res[1])
	}

	retryAfter := int((time.Duration(ttlMillis) * time.Millisecond).Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(count), retryAfter, nil
}
