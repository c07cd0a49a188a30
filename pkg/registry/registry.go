// Package registry holds the in-memory tenant snapshots the scheduler reads
// on every tick, reconciled periodically from the repository. Claims prevent
// a tenant from being selected twice concurrently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/clara-labs/clara/pkg/calendar"
	"github.com/clara-labs/clara/pkg/models"
	"github.com/clara-labs/clara/pkg/store"
)

// ErrUnknownTenant is returned for operations on an id the registry does
// not hold.
var ErrUnknownTenant = errors.New("unknown tenant")

// Outcome summarizes one finished work cycle for counter bookkeeping.
type Outcome struct {
	// LLMCalls actually made during the cycle (cache hits make zero).
	LLMCalls int

	// Published reports whether a post went out.
	Published bool
}

// pending is an unflushed write-back of a tenant's activity.
type pending struct {
	actedAt  time.Time
	counters models.DailyCounters
}

// Registry is the read-optimized tenant view. Scheduler reads are lock-short
// snapshots; mutation takes the exclusive lock briefly.
type Registry struct {
	repo     store.Repository
	cal      *calendar.Calendar
	interval time.Duration
	clock    clock.PassiveClock
	logger   *slog.Logger

	mu        sync.RWMutex
	tenants   map[string]*models.Tenant
	claims    map[string]struct{}
	unflushed map[string]pending

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry; call Load before first use and Start to run the
// reconcile loop.
func New(repo store.Repository, cal *calendar.Calendar, interval time.Duration, cl clock.PassiveClock) *Registry {
	return &Registry{
		repo:      repo,
		cal:       cal,
		interval:  interval,
		clock:     cl,
		logger:    slog.With("component", "registry"),
		tenants:   make(map[string]*models.Tenant),
		claims:    make(map[string]struct{}),
		unflushed: make(map[string]pending),
		stopCh:    make(chan struct{}),
	}
}

// Load replaces the snapshots from the repository. Claims and unflushed
// write-backs survive a reload so in-flight work is unaffected.
func (r *Registry) Load(ctx context.Context) error {
	tenants, err := r.repo.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := make(map[string]*models.Tenant, len(tenants))
	for _, t := range tenants {
		// Keep locally newer activity over a stale repository row.
		if p, ok := r.unflushed[t.ID]; ok {
			ts := p.actedAt
			t.LastActedAt = &ts
			t.Counters = p.counters
		}
		fresh[t.ID] = t
	}
	r.tenants = fresh
	r.logger.Debug("Tenant snapshots reconciled", "count", len(fresh))
	return nil
}

// Start launches the periodic reconcile loop.
func (r *Registry) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.flush(ctx); err != nil {
					r.logger.Warn("Failed to flush tenant activity", "error", err)
				}
				if err := r.Load(ctx); err != nil {
					r.logger.Warn("Tenant reconciliation failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the reconcile loop and flushes pending write-backs.
func (r *Registry) Stop(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	if err := r.flush(ctx); err != nil {
		r.logger.Error("Failed to flush tenant activity on shutdown", "error", err)
	}
}

// ListActive returns snapshots of active tenants. The slice and its elements
// are copies; callers may not observe later mutation.
func (r *Registry) ListActive() []*models.Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := lo.Filter(lo.Values(r.tenants), func(t *models.Tenant, _ int) bool {
		return t.Active
	})
	return lo.Map(active, func(t *models.Tenant, _ int) *models.Tenant { return t.Clone() })
}

// Snapshot returns a copy of one tenant.
func (r *Registry) Snapshot(id string) (*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrUnknownTenant
	}
	return t.Clone(), nil
}

// TryClaim marks the tenant as having work in flight. Returns false when the
// tenant is unknown or already claimed.
func (r *Registry) TryClaim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; !ok {
		return false
	}
	if _, claimed := r.claims[id]; claimed {
		return false
	}
	r.claims[id] = struct{}{}
	return true
}

// Release drops a claim without recording activity, used when a work item is
// deferred or abandoned.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, id)
}

// Claimed reports whether the tenant has work in flight.
func (r *Registry) Claimed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.claims[id]
	return ok
}

// RecordCompletion releases the claim and applies the cycle's outcome to the
// tenant's counters, rolling them over first if the tenant-local day changed.
// The write-back is batched; the reconcile loop or Stop flushes it.
func (r *Registry) RecordCompletion(id string, outcome Outcome) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, id)

	t, ok := r.tenants[id]
	if !ok {
		return ErrUnknownTenant
	}

	_, dayKey, err := r.cal.Local(t.Timezone, now)
	if err != nil {
		// Invalid zone falls back to UTC bucketing.
		dayKey = now.UTC().Format(calendar.DayKeyLayout)
	}
	t.Counters.ResetIfRolledOver(dayKey)
	t.Counters.LLMCalls += outcome.LLMCalls
	if outcome.Published {
		t.Counters.Posts++
	}
	ts := now
	t.LastActedAt = &ts

	r.unflushed[id] = pending{actedAt: now, counters: t.Counters}
	return nil
}

// flush writes batched activity back to the repository. Entries that fail
// stay queued for the next attempt.
func (r *Registry) flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.unflushed
	r.unflushed = make(map[string]pending)
	r.mu.Unlock()

	var firstErr error
	for id, p := range batch {
		if err := r.repo.UpdateTenantActivity(ctx, id, p.actedAt, p.counters); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			// Keep the entry for the next flush attempt.
			r.mu.Lock()
			if _, overwritten := r.unflushed[id]; !overwritten {
				r.unflushed[id] = p
			}
			r.mu.Unlock()
		}
	}
	return firstErr
}

// Flush forces pending write-backs out immediately.
func (r *Registry) Flush(ctx context.Context) error {
	return r.flush(ctx)
}
