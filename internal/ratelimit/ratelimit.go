// Package ratelimit implements a Redis-backed fixed-window counter used for
// the per-user/per-device abuse controls in spec §4.6 (key-package upload
// caps, recovery-mode bypass cooldown) and the per-peer federation limiter
// in C10.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically increments a counter and sets its expiry on
// first increment, returning the post-increment count and remaining TTL.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local period = tonumber(ARGV[1])

local current = redis.call('INCR', key)
if current == 1 then
    redis.call('EXPIRE', key, period)
end

local ttl = redis.call('TTL', key)
if ttl < 0 then
    ttl = period
end

return {current, ttl}
`)

// Limiter is a Redis-backed fixed-window rate limiter.
type Limiter struct {
	client redis.Cmdable
	prefix string
}

// New constructs a Limiter. prefix namespaces the limiter's keys so
// different callers (upload caps, recovery mode, peer throttling) sharing a
// Redis instance never collide.
func New(client redis.Cmdable, prefix string) *Limiter {
	return &Limiter{client: client, prefix: prefix}
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetIn   time.Duration
}

// Allow increments the counter for key within the current window of period
// and reports whether the caller is still under limit.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, period time.Duration) (Result, error) {
	cacheKey := fmt.Sprintf("%s:%s", l.prefix, key)
	res, err := fixedWindowScript.Run(ctx, l.client, []string{cacheKey}, int64(period.Seconds())).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	count, ttl := res[0], res[1]
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= limit,
		Count:     count,
		Remaining: remaining,
		ResetIn:   time.Duration(ttl) * time.Second,
	}, nil
}

// Peek reports the current count for key without incrementing it.
func (l *Limiter) Peek(ctx context.Context, key string) (int64, error) {
	cacheKey := fmt.Sprintf("%s:%s", l.prefix, key)
	n, err := l.client.Get(ctx, cacheKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit peek: %w", err)
	}
	return n, nil
}
