package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Daily buckets outlive their day by 48h so stale days self-reclaim; the
// pacing bucket only needs to survive short gaps between selections.
const (
	dailyBucketTTL  = 48 * time.Hour
	secondBucketTTL = time.Hour
	secondsPerDay   = 86400
)

// BucketSpec describes one bucket in an admission vector.
type BucketSpec struct {
	Key          string
	Cost         int
	Capacity     int
	RefillPerSec float64
	TTL          time.Duration
}

// Admission is the composed decision over a bucket vector.
type Admission struct {
	// Admit is true when every bucket yielded its cost.
	Admit bool
	// RetryAfter is the deferral hint when not admitted.
	RetryAfter time.Duration
	// BlockedKey names the bucket that rejected, empty when admitted or
	// when the store was unreachable.
	BlockedKey string
}

// Limits carries the quota configuration the coordinator turns into bucket
// vectors.
type Limits struct {
	ClientLLMPerSec  int
	ClientDailyLLM   int
	ClientDailyPosts int
	GlobalDailyLLM   int
}

// Coordinator composes multiple buckets into a single admission decision.
// Buckets are consumed in fixed order, coarsest first (global day, tenant
// day, tenant second); on rejection, already-consumed tokens are refunded
// best-effort to reduce false starvation.
type Coordinator struct {
	store          Store
	limits         Limits
	defaultBackoff time.Duration
}

// NewCoordinator creates a Coordinator over the given store.
func NewCoordinator(store Store, limits Limits, defaultBackoff time.Duration) *Coordinator {
	return &Coordinator{store: store, limits: limits, defaultBackoff: defaultBackoff}
}

// LLMBuckets is the admission vector for one LLM call by a tenant.
func (c *Coordinator) LLMBuckets(tenantID string) []BucketSpec {
	return []BucketSpec{
		{
			Key:          GlobalLLMDailyKey(),
			Cost:         1,
			Capacity:     c.limits.GlobalDailyLLM,
			RefillPerSec: float64(c.limits.GlobalDailyLLM) / secondsPerDay,
			TTL:          dailyBucketTTL,
		},
		{
			Key:          LLMDailyKey(tenantID),
			Cost:         1,
			Capacity:     c.limits.ClientDailyLLM,
			RefillPerSec: float64(c.limits.ClientDailyLLM) / secondsPerDay,
			TTL:          dailyBucketTTL,
		},
		{
			Key:          LLMSecondKey(tenantID),
			Cost:         1,
			Capacity:     c.limits.ClientLLMPerSec,
			RefillPerSec: float64(c.limits.ClientLLMPerSec),
			TTL:          secondBucketTTL,
		},
	}
}

// PostBuckets is the admission vector for one publish by a tenant.
func (c *Coordinator) PostBuckets(tenantID string) []BucketSpec {
	return []BucketSpec{
		{
			Key:          PostDailyKey(tenantID),
			Cost:         1,
			Capacity:     c.limits.ClientDailyPosts,
			RefillPerSec: float64(c.limits.ClientDailyPosts) / secondsPerDay,
			TTL:          dailyBucketTTL,
		},
	}
}

// Admit consumes the vector in order. On any rejection it refunds the
// buckets consumed so far and returns a deferral with the rejecting
// bucket's retry hint. Store unavailability maps to a deferral with the
// default backoff.
func (c *Coordinator) Admit(ctx context.Context, specs []BucketSpec) Admission {
	consumed := make([]BucketSpec, 0, len(specs))

	for _, spec := range specs {
		dec, err := c.store.Consume(ctx, spec.Key, spec.Cost, spec.Capacity, spec.RefillPerSec, spec.TTL)
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				slog.Warn("Counter store unavailable, deferring", "key", spec.Key, "error", err)
			} else {
				slog.Error("Bucket consume failed, deferring", "key", spec.Key, "error", err)
			}
			c.refund(ctx, consumed)
			return Admission{Admit: false, RetryAfter: c.defaultBackoff}
		}
		if !dec.OK {
			c.refund(ctx, consumed)
			retry := dec.RetryAfter
			if retry <= 0 {
				retry = c.defaultBackoff
			}
			return Admission{Admit: false, RetryAfter: retry, BlockedKey: spec.Key}
		}
		consumed = append(consumed, spec)
	}

	return Admission{Admit: true}
}

// AdmitLLM runs the LLM admission vector for a tenant.
func (c *Coordinator) AdmitLLM(ctx context.Context, tenantID string) Admission {
	return c.Admit(ctx, c.LLMBuckets(tenantID))
}

// AdmitPost runs the publish admission vector for a tenant.
func (c *Coordinator) AdmitPost(ctx context.Context, tenantID string) Admission {
	return c.Admit(ctx, c.PostBuckets(tenantID))
}

// HoldLLMSecond re-seeds the tenant's pacing bucket so the next token
// becomes available after retryAfter. Used when the LLM driver signals 429.
func (c *Coordinator) HoldLLMSecond(ctx context.Context, tenantID string, retryAfter time.Duration) {
	rate := float64(c.limits.ClientLLMPerSec)
	if err := c.store.Hold(ctx, LLMSecondKey(tenantID), retryAfter, rate, secondBucketTTL); err != nil {
		slog.Warn("Failed to apply rate-limit hold", "tenant_id", tenantID, "error", err)
	}
}

// Remaining peeks the token count of a bucket without consuming (cost 0).
func (c *Coordinator) Remaining(ctx context.Context, spec BucketSpec) (float64, error) {
	dec, err := c.store.Consume(ctx, spec.Key, 0, spec.Capacity, spec.RefillPerSec, spec.TTL)
	if err != nil {
		return 0, err
	}
	return dec.Remaining, nil
}

// GlobalLLMRemaining peeks the global daily bucket; the scheduler checks it
// before draining work into the pool.
func (c *Coordinator) GlobalLLMRemaining(ctx context.Context) (float64, error) {
	return c.Remaining(ctx, c.LLMBuckets("")[0])
}

// refund undoes partial consumption in reverse order, best-effort.
func (c *Coordinator) refund(ctx context.Context, consumed []BucketSpec) {
	for i := len(consumed) - 1; i >= 0; i-- {
		spec := consumed[i]
		if err := c.store.Refund(ctx, spec.Key, spec.Cost, spec.Capacity); err != nil {
			slog.Warn("Bucket refund failed", "key", spec.Key, "error", err)
		}
	}
}
