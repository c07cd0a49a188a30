package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// fakeStore records consume order and lets tests script rejections.
type fakeStore struct {
	rejectKey string
	consumed  []string
	refunded  []string
	err       error
}

func (f *fakeStore) Consume(_ context.Context, key string, cost, capacity int, _ float64, _ time.Duration) (Decision, error) {
	if f.err != nil {
		return Decision{}, f.err
	}
	if key == f.rejectKey {
		return Decision{OK: false, RetryAfter: 3 * time.Second}, nil
	}
	f.consumed = append(f.consumed, key)
	return Decision{OK: true, Remaining: float64(capacity - cost)}, nil
}

func (f *fakeStore) Refund(_ context.Context, key string, _, _ int) error {
	f.refunded = append(f.refunded, key)
	return nil
}

func (f *fakeStore) Hold(_ context.Context, _ string, _ time.Duration, _ float64, _ time.Duration) error {
	return nil
}

func testLimits() Limits {
	return Limits{ClientLLMPerSec: 1, ClientDailyLLM: 50, ClientDailyPosts: 10, GlobalDailyLLM: 1000}
}

func TestAdmitLLM_ConsumesCoarsestFirst(t *testing.T) {
	fs := &fakeStore{}
	coord := NewCoordinator(fs, testLimits(), 5*time.Second)

	adm := coord.AdmitLLM(context.Background(), "tenant-a")
	assert.True(t, adm.Admit)
	assert.Equal(t, []string{"llm:day:global", "llm:day:tenant-a", "llm:sec:tenant-a"}, fs.consumed)
}

func TestAdmitLLM_RefundsOnRejection(t *testing.T) {
	// The pacing bucket rejects; the two daily buckets already consumed
	// must be refunded in reverse order.
	fs := &fakeStore{rejectKey: "llm:sec:tenant-a"}
	coord := NewCoordinator(fs, testLimits(), 5*time.Second)

	adm := coord.AdmitLLM(context.Background(), "tenant-a")
	assert.False(t, adm.Admit)
	assert.Equal(t, "llm:sec:tenant-a", adm.BlockedKey)
	assert.Equal(t, 3*time.Second, adm.RetryAfter)
	assert.Equal(t, []string{"llm:day:tenant-a", "llm:day:global"}, fs.refunded)
}

func TestAdmit_StoreUnavailableDefers(t *testing.T) {
	fs := &fakeStore{err: ErrStoreUnavailable}
	coord := NewCoordinator(fs, testLimits(), 7*time.Second)

	adm := coord.AdmitLLM(context.Background(), "tenant-a")
	assert.False(t, adm.Admit)
	assert.Equal(t, 7*time.Second, adm.RetryAfter)
	assert.Empty(t, adm.BlockedKey)
}

func TestAdmitPost_SingleBucket(t *testing.T) {
	fs := &fakeStore{}
	coord := NewCoordinator(fs, testLimits(), 5*time.Second)

	adm := coord.AdmitPost(context.Background(), "tenant-a")
	assert.True(t, adm.Admit)
	assert.Equal(t, []string{"post:day:tenant-a"}, fs.consumed)
}

// End-to-end over Redis: pacing defers the second request by the remaining
// refill time.
func TestCoordinator_PacingOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
	coord := NewCoordinator(NewRedisStore(rdb, clk), testLimits(), 5*time.Second)
	ctx := context.Background()

	adm := coord.AdmitLLM(ctx, "a")
	require.True(t, adm.Admit)

	clk.SetTime(clk.Now().Add(500 * time.Millisecond))
	adm = coord.AdmitLLM(ctx, "a")
	require.False(t, adm.Admit)
	assert.Equal(t, "llm:sec:a", adm.BlockedKey)
	assert.GreaterOrEqual(t, adm.RetryAfter, 400*time.Millisecond)

	// Daily buckets were refunded: draining the day cap is still possible.
	rem, err := coord.Remaining(ctx, coord.LLMBuckets("a")[1])
	require.NoError(t, err)
	assert.InDelta(t, 50, rem, 0.01)
}

func TestHoldLLMSecond_HonoursRetryAfter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
	coord := NewCoordinator(NewRedisStore(rdb, clk), testLimits(), 5*time.Second)
	ctx := context.Background()

	coord.HoldLLMSecond(ctx, "a", 2*time.Second)

	adm := coord.AdmitLLM(ctx, "a")
	require.False(t, adm.Admit)
	assert.Equal(t, "llm:sec:a", adm.BlockedKey)

	clk.SetTime(clk.Now().Add(2 * time.Second))
	adm = coord.AdmitLLM(ctx, "a")
	assert.True(t, adm.Admit)
}

func TestGlobalLLMRemaining(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clocktesting.NewFakePassiveClock(time.Now())
	coord := NewCoordinator(NewRedisStore(rdb, clk), testLimits(), 5*time.Second)

	rem, err := coord.GlobalLLMRemaining(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1000, rem, 0.01)
}
