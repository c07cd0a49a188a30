// Package ratelimit implements the distributed token-bucket rate limiter.
//
// Bucket state lives in a shared counter store (Redis); the consume
// operation is evaluated server-side in a Lua script so it is atomic across
// concurrent workers and replicas. The Coordinator composes several buckets
// into one admission decision.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable indicates the backing counter store is unreachable.
// Callers must treat this as transient.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// Decision is the result of a single bucket consume.
type Decision struct {
	// OK is true iff tokens after refill covered the cost.
	OK bool
	// Remaining is the token count after the (possibly rejected) consume.
	Remaining float64
	// RetryAfter is how long until the bucket will hold `cost` tokens;
	// zero when OK.
	RetryAfter time.Duration
}

// Store is the token-bucket primitive over a shared counter store.
//
// Refill is continuous: tokens = min(capacity, tokens + elapsed*rate).
// Buckets self-reclaim via the ttl; daily buckets use a 48h ttl so expired
// days disappear on their own.
type Store interface {
	// Consume atomically refills the bucket and takes cost tokens if
	// available.
	Consume(ctx context.Context, key string, cost, capacity int, refillPerSec float64, ttl time.Duration) (Decision, error)

	// Refund re-adds cost tokens, capped at capacity. Best effort: it is
	// used to undo partial multi-bucket admissions and quota correctness
	// does not depend on it.
	Refund(ctx context.Context, key string, cost, capacity int) error

	// Hold re-seeds the bucket so that one token becomes available only
	// after wait has elapsed. Used to honour retry_after hints from
	// drivers.
	Hold(ctx context.Context, key string, wait time.Duration, refillPerSec float64, ttl time.Duration) error
}

// Bucket key namespaces. Bucket lifetime is independent from tenants;
// cleanup happens via TTL on the counter store.
const (
	globalLLMDayKey = "llm:day:global"
)

// LLMSecondKey is the per-tenant per-second LLM pacing bucket.
func LLMSecondKey(tenantID string) string { return "llm:sec:" + tenantID }

// LLMDailyKey is the per-tenant daily LLM bucket.
func LLMDailyKey(tenantID string) string { return "llm:day:" + tenantID }

// PostDailyKey is the per-tenant daily publish bucket.
func PostDailyKey(tenantID string) string { return "post:day:" + tenantID }

// GlobalLLMDailyKey is the deployment-wide daily LLM bucket.
func GlobalLLMDailyKey() string { return globalLLMDayKey }
