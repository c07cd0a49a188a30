package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// consumeScript refills and consumes atomically. Bucket state is a hash of
// (tokens, last_refill) keyed by the bucket key; `now` is passed in by the
// caller so the clock is testable and replica-independent.
//
// Returns {ok, tokens, wait_ms} with tokens and wait encoded as strings to
// preserve float precision across the Lua/Redis integer boundary.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local rate = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rate
if tokens > capacity then tokens = capacity end

local ok = 0
if tokens >= cost then
  tokens = tokens - cost
  ok = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('PEXPIRE', key, ttl_ms)

local wait_ms = 0
if ok == 0 and rate > 0 then
  wait_ms = math.ceil((cost - tokens) / rate * 1000)
end
return {ok, tostring(tokens), tostring(wait_ms)}
`)

// refundScript re-adds tokens, capped at capacity. Only touches existing
// buckets: a refund against an expired bucket would otherwise resurrect it
// at full capacity anyway.
var refundScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
if redis.call('EXISTS', key) == 0 then
  return 0
end
local tokens = tonumber(redis.call('HGET', key, 'tokens')) or 0
tokens = tokens + cost
if tokens > capacity then tokens = capacity end
redis.call('HSET', key, 'tokens', tostring(tokens))
return 1
`)

// holdScript seeds the bucket with a token debt so one token is available
// only after the requested wait.
var holdScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local tokens = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])
redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('PEXPIRE', key, ttl_ms)
return 1
`)

// RedisStore implements Store over a Redis connection.
type RedisStore struct {
	rdb   redis.UniversalClient
	clock clock.PassiveClock
}

// NewRedisStore creates a Store backed by the given Redis client.
func NewRedisStore(rdb redis.UniversalClient, c clock.PassiveClock) *RedisStore {
	return &RedisStore{rdb: rdb, clock: c}
}

// Consume implements Store.
func (s *RedisStore) Consume(ctx context.Context, key string, cost, capacity int, refillPerSec float64, ttl time.Duration) (Decision, error) {
	now := float64(s.clock.Now().UnixNano()) / 1e9

	res, err := consumeScript.Run(ctx, s.rdb,
		[]string{key},
		strconv.FormatFloat(now, 'f', -1, 64),
		cost,
		capacity,
		strconv.FormatFloat(refillPerSec, 'f', -1, 64),
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: consume %s: %v", ErrStoreUnavailable, key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: consume %s: unexpected reply %v", ErrStoreUnavailable, key, res)
	}

	ok, err := toInt64(res[0])
	if err != nil {
		return Decision{}, fmt.Errorf("%w: consume %s: %v", ErrStoreUnavailable, key, err)
	}
	tokens, err := toFloat(res[1])
	if err != nil {
		return Decision{}, fmt.Errorf("%w: consume %s: %v", ErrStoreUnavailable, key, err)
	}
	waitMs, err := toFloat(res[2])
	if err != nil {
		return Decision{}, fmt.Errorf("%w: consume %s: %v", ErrStoreUnavailable, key, err)
	}

	return Decision{
		OK:         ok == 1,
		Remaining:  tokens,
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

// Refund implements Store.
func (s *RedisStore) Refund(ctx context.Context, key string, cost, capacity int) error {
	if err := refundScript.Run(ctx, s.rdb, []string{key}, cost, capacity).Err(); err != nil {
		return fmt.Errorf("%w: refund %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// Hold implements Store.
func (s *RedisStore) Hold(ctx context.Context, key string, wait time.Duration, refillPerSec float64, ttl time.Duration) error {
	now := float64(s.clock.Now().UnixNano()) / 1e9
	// After `wait` at the given rate the bucket refills back to one token.
	tokens := 1 - wait.Seconds()*refillPerSec
	if err := holdScript.Run(ctx, s.rdb,
		[]string{key},
		strconv.FormatFloat(now, 'f', -1, 64),
		strconv.FormatFloat(tokens, 'f', -1, 64),
		ttl.Milliseconds(),
	).Err(); err != nil {
		return fmt.Errorf("%w: hold %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
