package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"warden/pkg/clock"
)

// slidingScript removes expired members, checks the window and commits the
// admission in one atomic round trip.
var slidingScript = redis.NewScript(`
local cutoff = tonumber(ARGV[3]) - tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, cutoff)
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[2]) then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, count, tonumber(oldest[2])}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return {1, count + 1, tonumber(ARGV[3])}
`)

// RedisLimiter shares one sliding log across replicas. Falls back to the
// in-process limiter when redis is unreachable so the decision path never
// depends on redis availability.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Fallback *SlidingLimiter

	clock clock.Clock
	seq   func() string
}

func NewRedisLimiter(client *redis.Client, clk clock.Clock, member func() string) *RedisLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisLimiter{
		Client:   client,
		Prefix:   "rl:",
		Fallback: NewSliding(clk),
		clock:    clk,
		seq:      member,
	}
}

func (l *RedisLimiter) Allow(key string, limit int, window time.Duration) Decision {
	now := l.clock.Now()
	if limit == Unbounded {
		return Decision{Allowed: true, Limit: Unbounded, Remaining: Unbounded, ResetAt: now}
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.Fallback.Allow(key, limit, window)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	member := now.Format(time.RFC3339Nano)
	if l.seq != nil {
		member = l.seq()
	}
	res, err := slidingScript.Run(ctx, l.Client, []string{l.Prefix + key},
		window.Milliseconds(), limit, now.UnixMilli(), member).Result()
	if err != nil {
		return l.Fallback.Allow(key, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.Fallback.Allow(key, limit, window)
	}
	admitted, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldest, _ := vals[2].(int64)
	resetAt := time.UnixMilli(oldest).Add(window)
	if admitted == 1 {
		return Decision{
			Allowed:   true,
			Count:     int(count),
			Limit:     limit,
			Remaining: limit - int(count),
			ResetAt:   resetAt,
		}
	}
	retry := resetAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Decision{
		Allowed:    false,
		Count:      int(count),
		Limit:      limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retry,
	}
}

func (l *RedisLimiter) Peek(key string, limit int, window time.Duration) Decision {
	now := l.clock.Now()
	if limit == Unbounded {
		return Decision{Allowed: true, Limit: Unbounded, Remaining: Unbounded, ResetAt: now}
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.Fallback.Peek(key, limit, window)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cutoff := now.Add(-window).UnixMilli()
	count, err := l.Client.ZCount(ctx, l.Prefix+key, "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return l.Fallback.Peek(key, limit, window)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   remaining > 0,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}
}

func (l *RedisLimiter) Reset(key string) {
	if l.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.Client.Del(ctx, l.Prefix+key)
	}
	l.Fallback.Reset(key)
}
