package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript enforces the window atomically per requester:
// prune expired members, reject at the ceiling without recording,
// otherwise record the request. Returns {allowed, count, oldestScore}.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[2]) then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, count, oldest[2]}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, count + 1, ""}
`)

type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter

	now func() time.Time
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "rw:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(requesterID string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.fallbackAllow(requesterID, limit, window)
	}
	now := l.now().UTC()
	nowMs := now.UnixMilli()
	cutoffMs := nowMs - window.Milliseconds()
	member := strconv.FormatInt(now.UnixNano(), 10)

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout())
	defer cancel()
	res, err := slidingWindowScript.Run(ctx, l.Client, []string{l.Prefix + requesterID},
		cutoffMs, limit, nowMs, member, window.Milliseconds()).Result()
	if err != nil {
		return l.fallbackAllow(requesterID, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.fallbackAllow(requesterID, limit, window)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	if allowed == 1 {
		remaining := limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Count: int(count), Limit: limit, Remaining: remaining}
	}
	var wait time.Duration
	if raw, ok := vals[2].(string); ok && raw != "" {
		if oldestMs, err := strconv.ParseFloat(raw, 64); err == nil {
			wait = retryAfter(time.UnixMilli(int64(oldestMs)), window, now)
		}
	}
	if wait <= 0 {
		wait = window
	}
	return Decision{Allowed: false, Count: int(count), Limit: limit, Remaining: 0, RetryAfter: wait}
}

func (l *RedisLimiter) Remaining(requesterID string, limit int, window time.Duration) int {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.fallbackRemaining(requesterID, limit, window)
	}
	now := l.now().UTC()
	cutoffMs := now.UnixMilli() - window.Milliseconds()

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout())
	defer cancel()
	count, err := l.Client.ZCount(ctx, l.Prefix+requesterID,
		"("+strconv.FormatInt(cutoffMs, 10), "+inf").Result()
	if err != nil {
		return l.fallbackRemaining(requesterID, limit, window)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (l *RedisLimiter) fallbackAllow(requesterID string, limit int, window time.Duration) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(requesterID, limit, window)
	}
	return Decision{Allowed: true, Count: 1, Limit: limit, Remaining: limit - 1}
}

func (l *RedisLimiter) fallbackRemaining(requesterID string, limit int, window time.Duration) int {
	if l.Fallback != nil {
		return l.Fallback.Remaining(requesterID, limit, window)
	}
	return limit
}

func (l *RedisLimiter) timeout() time.Duration {
	if l.Timeout <= 0 {
		return 2 * time.Second
	}
	return l.Timeout
}
