package semcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/clara-labs/clara/pkg/llm"
)

func testConfig() Config {
	return Config{
		Capacity:            4,
		SimilarityThreshold: 0.95,
		TTL:                 time.Hour,
	}
}

func newTestCache(cfg Config, embedder llm.Embedder) (*Cache, *clocktesting.FakePassiveClock) {
	cl := clocktesting.NewFakePassiveClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(cfg, embedder, cl), cl
}

func countingCompute(n *atomic.Int64, out string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		n.Add(1)
		return out, nil
	}
}

func TestExactHitSkipsEmbeddingAndCompute(t *testing.T) {
	embedder := &llm.FakeEmbedder{}
	cache, _ := newTestCache(testConfig(), embedder)
	ctx := context.Background()

	var computes atomic.Int64
	got, outcome, err := cache.GetOrCompute(ctx, "h1", "prompt", countingCompute(&computes, "first"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "first", got)
	assert.Equal(t, int64(1), computes.Load())
	assert.Equal(t, 1, embedder.Calls())

	got, outcome, err = cache.GetOrCompute(ctx, "h1", "prompt", countingCompute(&computes, "second"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExact, outcome)
	assert.Equal(t, "first", got)
	assert.Equal(t, int64(1), computes.Load(), "exact hit must not compute")
	assert.Equal(t, 1, embedder.Calls(), "exact hit must not embed")
}

func TestSemanticHitAboveThreshold(t *testing.T) {
	embedder := &llm.FakeEmbedder{Vectors: map[string][]float32{
		"original": {1, 0, 0},
		"close":    {0.999, 0.0447, 0}, // cosine ~0.999
		"far":      {0, 1, 0},
	}}
	cache, _ := newTestCache(testConfig(), embedder)
	ctx := context.Background()

	var computes atomic.Int64
	_, _, err := cache.GetOrCompute(ctx, "h1", "original", countingCompute(&computes, "cached text"))
	require.NoError(t, err)

	got, outcome, err := cache.GetOrCompute(ctx, "h2", "close", countingCompute(&computes, "new text"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSemantic, outcome)
	assert.Equal(t, "cached text", got)
	assert.Equal(t, int64(1), computes.Load())

	got, outcome, err = cache.GetOrCompute(ctx, "h3", "far", countingCompute(&computes, "far text"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "far text", got)
	assert.Equal(t, int64(2), computes.Load())
}

func TestSingleFlightCoalescesIdenticalPrompts(t *testing.T) {
	embedder := &llm.FakeEmbedder{}
	cache, _ := newTestCache(testConfig(), embedder)
	ctx := context.Background()

	release := make(chan struct{})
	var computes atomic.Int64
	compute := func(context.Context) (string, error) {
		computes.Add(1)
		<-release
		return "shared", nil
	}

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, _, err := cache.GetOrCompute(ctx, "same-hash", "prompt", compute)
			require.NoError(t, err)
			results[i] = got
		}(i)
	}

	// Let the goroutines pile onto the flight before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), computes.Load(), "identical prompts must share one call")
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestTTLExpiry(t *testing.T) {
	embedder := &llm.FakeEmbedder{}
	cache, cl := newTestCache(testConfig(), embedder)
	ctx := context.Background()

	var computes atomic.Int64
	_, _, err := cache.GetOrCompute(ctx, "h1", "prompt", countingCompute(&computes, "v1"))
	require.NoError(t, err)

	cl.SetTime(cl.Now().Add(2 * time.Hour))

	got, outcome, err := cache.GetOrCompute(ctx, "h1", "prompt", countingCompute(&computes, "v2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "v2", got)
	assert.Equal(t, int64(2), computes.Load())
}

func TestSweepRemovesExpired(t *testing.T) {
	embedder := &llm.FakeEmbedder{}
	cache, cl := newTestCache(testConfig(), embedder)
	ctx := context.Background()

	var computes atomic.Int64
	_, _, err := cache.GetOrCompute(ctx, "h1", "p1", countingCompute(&computes, "v"))
	require.NoError(t, err)
	require.Equal(t, 1, cache.Stats().Entries)

	cl.SetTime(cl.Now().Add(2 * time.Hour))
	cache.Sweep()
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestLRUEviction(t *testing.T) {
	// Orthogonal vectors so the semantic tier never interferes.
	vectors := map[string][]float32{}
	for i := 0; i < 6; i++ {
		v := make([]float32, 6)
		v[i] = 1
		vectors[fmt.Sprintf("p%d", i)] = v
	}
	embedder := &llm.FakeEmbedder{Vectors: vectors}
	cache, _ := newTestCache(testConfig(), embedder)
	ctx := context.Background()

	var computes atomic.Int64
	for i := 0; i < 4; i++ {
		_, _, err := cache.GetOrCompute(ctx, fmt.Sprintf("h%d", i), fmt.Sprintf("p%d", i),
			countingCompute(&computes, fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}

	// Touch h0 so h1 becomes LRU, then overflow.
	_, outcome, err := cache.GetOrCompute(ctx, "h0", "p0", countingCompute(&computes, "x"))
	require.NoError(t, err)
	require.Equal(t, OutcomeExact, outcome)

	_, _, err = cache.GetOrCompute(ctx, "h4", "p4", countingCompute(&computes, "v4"))
	require.NoError(t, err)

	// h1 was evicted; h0 survives.
	_, outcome, err = cache.GetOrCompute(ctx, "h1", "p1", countingCompute(&computes, "v1-again"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)

	_, outcome, err = cache.GetOrCompute(ctx, "h0", "p0", countingCompute(&computes, "x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExact, outcome)

	stats := cache.Stats()
	assert.GreaterOrEqual(t, stats.Evictions, int64(1))
	assert.LessOrEqual(t, stats.Entries, 4)
}

func TestComputeErrorNotCached(t *testing.T) {
	embedder := &llm.FakeEmbedder{}
	cache, _ := newTestCache(testConfig(), embedder)
	ctx := context.Background()

	boom := errors.New("backend down")
	_, _, err := cache.GetOrCompute(ctx, "h1", "p", func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	var computes atomic.Int64
	got, outcome, err := cache.GetOrCompute(ctx, "h1", "p", countingCompute(&computes, "ok"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int64(1), computes.Load())
}

func TestZeroCapacityDisablesCaching(t *testing.T) {
	embedder := &llm.FakeEmbedder{}
	cache, _ := newTestCache(Config{Capacity: 0}, embedder)
	ctx := context.Background()

	var computes atomic.Int64
	for i := 0; i < 3; i++ {
		_, outcome, err := cache.GetOrCompute(ctx, "h", "p", countingCompute(&computes, "v"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeMiss, outcome)
	}
	assert.Equal(t, int64(3), computes.Load())
	assert.Equal(t, 0, embedder.Calls())
}

func TestStatsHitRatio(t *testing.T) {
	embedder := &llm.FakeEmbedder{}
	cache, _ := newTestCache(testConfig(), embedder)
	ctx := context.Background()

	var computes atomic.Int64
	_, _, err := cache.GetOrCompute(ctx, "h1", "p", countingCompute(&computes, "v"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err := cache.GetOrCompute(ctx, "h1", "p", countingCompute(&computes, "v"))
		require.NoError(t, err)
	}

	stats := cache.Stats()
	assert.Equal(t, int64(3), stats.ExactHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRatio, 1e-9)
}
