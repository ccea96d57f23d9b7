// Package ratelimit throttles inbound federation requests with a
// Redis-backed token bucket, the same atomic Lua-script bucket the
// orchestrator's request limiter uses, so multiple replicas of a service
// share one limit instead of each enforcing its own.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript refills and consumes a token bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens/second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
	tokens = capacity
	last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * rate)
	last_refill = now
end

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)
return {allowed, tokens}
`)

// Limiter enforces one token bucket per key (typically the calling
// endpoint's id).
type Limiter struct {
	client   *redis.Client
	rps      float64
	burst    float64
	keyspace string
}

// New returns a Limiter backed by the Redis instance at addr, allowing rps
// requests per second per key with burst capacity.
func New(addr, password string, db int, rps, burst float64) *Limiter {
	return &Limiter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		rps:      rps,
		burst:    burst,
		keyspace: "federation:ratelimit:",
	}
}

// Allow reports whether the caller identified by key may proceed, charging
// one token from its bucket if so.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := bucketScript.Run(ctx, l.client, []string{l.keyspace + key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script result")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
