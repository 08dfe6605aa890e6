package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter and expiry must move together, so the increment runs as a
// single script. Returns the new count and the key's remaining TTL.
var edgeWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares the edge counters across gateway replicas. Any
// redis failure falls back to the per-replica memory limiter, which
// throttles more loosely but never fails open entirely.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *MemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "edge:",
		Fallback: NewMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.Fallback.Allow(key, limit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := edgeWindowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.Fallback.Allow(key, limit)
	}

	count, ttlMs, ok := scriptReply(res)
	if !ok {
		return l.Fallback.Allow(key, limit)
	}
	if count <= int64(limit) {
		return Decision{Allowed: true, Scope: key}
	}
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	now := time.Now().UTC()
	return Decision{
		Scope:         key,
		RetryAfterSec: retryAfterSec(now, now.Add(time.Duration(ttlMs)*time.Millisecond)),
	}
}

func scriptReply(res any) (count, ttlMs int64, ok bool) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, false
	}
	count, _ = vals[0].(int64)
	ttlMs, _ = vals[1].(int64)
	return count, ttlMs, true
}
