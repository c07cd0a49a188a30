// Package semcache caches LLM completions keyed by prompt content, with an
// exact hash tier and an embedding-similarity tier. Concurrent requests for
// the same prompt hash coalesce into one upstream call.
package semcache

import (
	"container/list"
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/clara-labs/clara/pkg/llm"
)

// Outcome says how a lookup was satisfied.
type Outcome string

// Lookup outcomes, exported for metrics labels.
const (
	OutcomeExact    Outcome = "hit_exact"
	OutcomeSemantic Outcome = "hit_semantic"
	OutcomeMiss     Outcome = "miss"
)

// Config controls capacity, similarity, and expiry.
type Config struct {
	// Capacity caps stored entries; zero disables caching entirely, every
	// lookup computes.
	Capacity int

	// SimilarityThreshold is the minimum cosine similarity for the
	// semantic tier to claim a hit.
	SimilarityThreshold float64

	// TTL is the entry lifetime. Expired entries never satisfy lookups.
	TTL time.Duration

	// SweepInterval is how often expired entries are reaped in the
	// background.
	SweepInterval time.Duration
}

type entry struct {
	hash         string
	embedding    []float32
	completion   string
	createdAt    time.Time
	lastAccessAt time.Time
	hits         int

	elem *list.Element // position in the LRU list
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries      int     `json:"entries"`
	ExactHits    int64   `json:"exact_hits"`
	SemanticHits int64   `json:"semantic_hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	HitRatio     float64 `json:"hit_ratio"`
}

// Cache is the semantic completion cache. Safe for concurrent use.
type Cache struct {
	cfg      Config
	embedder llm.Embedder
	clock    clock.PassiveClock
	logger   *slog.Logger

	flight singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	exactHits    int64
	semanticHits int64
	misses       int64
	evictions    int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the cache. Call Start to run the expiry sweep.
func New(cfg Config, embedder llm.Embedder, cl clock.PassiveClock) *Cache {
	return &Cache{
		cfg:      cfg,
		embedder: embedder,
		clock:    cl,
		logger:   slog.With("component", "semcache"),
		entries:  make(map[string]*entry),
		lru:      list.New(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background expiry sweep.
func (c *Cache) Start() {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop terminates the sweep loop. Idempotent.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// GetOrCompute returns the completion for the prompt, from cache when
// possible. On a miss it embeds the prompt, checks the semantic tier, and
// only then calls compute; the result is inserted before returning.
// Concurrent calls with the same hash share one compute.
func (c *Cache) GetOrCompute(ctx context.Context, hash, text string, compute func(context.Context) (string, error)) (string, Outcome, error) {
	if c.cfg.Capacity <= 0 {
		out, err := compute(ctx)
		return out, OutcomeMiss, err
	}

	// Exact tier first, outside the flight group: O(1) and contention-free.
	if completion, ok := c.lookupExact(hash); ok {
		return completion, OutcomeExact, nil
	}

	type result struct {
		completion string
		outcome    Outcome
	}
	v, err, _ := c.flight.Do(hash, func() (any, error) {
		// Re-check: a previous flight for this hash may have populated
		// the entry while we queued.
		if completion, ok := c.lookupExact(hash); ok {
			return result{completion, OutcomeExact}, nil
		}

		embedding, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}

		if completion, ok := c.lookupSemantic(embedding); ok {
			return result{completion, OutcomeSemantic}, nil
		}

		completion, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.insert(hash, embedding, completion)
		return result{completion, OutcomeMiss}, nil
	})
	if err != nil {
		return "", OutcomeMiss, err
	}

	res := v.(result)
	return res.completion, res.outcome, nil
}

// lookupExact checks the hash tier, counting the outcome and refreshing LRU
// position on a hit.
func (c *Cache) lookupExact(hash string) (string, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hash]
	if !ok {
		return "", false
	}
	if c.expired(e, now) {
		c.removeLocked(e)
		return "", false
	}
	c.touchLocked(e, now)
	c.exactHits++
	return e.completion, true
}

// lookupSemantic scans stored embeddings for the best cosine match at or
// above the threshold. Linear scan; capacity bounds the cost.
func (c *Cache) lookupSemantic(embedding []float32) (string, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var best *entry
	bestSim := c.cfg.SimilarityThreshold
	for _, e := range c.entries {
		if c.expired(e, now) {
			continue
		}
		if sim := CosineSimilarity(embedding, e.embedding); sim >= bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil {
		c.misses++
		return "", false
	}
	c.touchLocked(best, now)
	c.semanticHits++
	return best.completion, true
}

// insert stores a freshly computed completion, evicting the LRU entry when
// at capacity.
func (c *Cache) insert(hash string, embedding []float32, completion string) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[hash]; ok {
		e.completion = completion
		e.embedding = embedding
		c.touchLocked(e, now)
		return
	}

	for len(c.entries) >= c.cfg.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
		c.evictions++
	}

	e := &entry{
		hash:         hash,
		embedding:    embedding,
		completion:   completion,
		createdAt:    now,
		lastAccessAt: now,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[hash] = e
}

// Sweep drops expired entries. Also runs periodically from Start.
func (c *Cache) Sweep() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.entries {
		if c.expired(e, now) {
			c.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Swept expired cache entries", "removed", removed, "remaining", len(c.entries))
	}
}

// Stats returns a snapshot of cache effectiveness.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Entries:      len(c.entries),
		ExactHits:    c.exactHits,
		SemanticHits: c.semanticHits,
		Misses:       c.misses,
		Evictions:    c.evictions,
	}
	total := s.ExactHits + s.SemanticHits + s.Misses
	if total > 0 {
		s.HitRatio = float64(s.ExactHits+s.SemanticHits) / float64(total)
	}
	return s
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.createdAt) >= c.cfg.TTL
}

func (c *Cache) touchLocked(e *entry, now time.Time) {
	e.lastAccessAt = now
	e.hits++
	c.lru.MoveToFront(e.elem)
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.hash)
	c.lru.Remove(e.elem)
}

// CosineSimilarity returns the cosine of the angle between a and b, zero
// when lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
