// Package scheduler selects which tenants get a generation cycle and feeds
// them to the worker pool. Selection is deterministic given identical
// inputs: filter, sort by least-recently-acted, drain while workers idle.
package scheduler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/clara-labs/clara/pkg/calendar"
	"github.com/clara-labs/clara/pkg/models"
	"github.com/clara-labs/clara/pkg/ratelimit"
	"github.com/clara-labs/clara/pkg/registry"
)

// WorkItem is one dispatched tenant cycle. The claim is already held; the
// consumer must end it via RecordCompletion or Release.
type WorkItem struct {
	Tenant *models.Tenant
}

// Limits are the per-tenant daily ceilings consulted for eligibility. The
// token buckets enforce them authoritatively; the scheduler check just
// avoids dispatching work that would immediately defer.
type Limits struct {
	DailyLLM   int
	DailyPosts int
}

// Config tunes the scheduler loop.
type Config struct {
	Limits Limits

	// PollInterval bounds the sleep between ticks when no window or
	// reset event comes sooner.
	PollInterval time.Duration
}

// Scheduler produces tenant work items. One goroutine runs the loop; the
// worker pool consumes Out.
type Scheduler struct {
	cfg     Config
	reg     *registry.Registry
	cal     *calendar.Calendar
	limiter *ratelimit.Coordinator
	clock   clock.Clock
	logger  *slog.Logger

	out chan WorkItem
}

// New creates a scheduler. The dispatch channel is unbuffered so a send
// only succeeds when a worker is ready.
func New(cfg Config, reg *registry.Registry, cal *calendar.Calendar, limiter *ratelimit.Coordinator, cl clock.Clock) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		reg:     reg,
		cal:     cal,
		limiter: limiter,
		clock:   cl,
		logger:  slog.With("component", "scheduler"),
		out:     make(chan WorkItem),
	}
}

// Out is the work item channel consumed by the worker pool.
func (s *Scheduler) Out() <-chan WorkItem {
	return s.out
}

// Run executes the tick loop until ctx is cancelled, then closes Out.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.out)
	for {
		s.tick(ctx)

		wake := s.NextWake(s.clock.Now())
		timer := s.clock.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// tick selects eligible tenants and dispatches while workers are idle and
// the global day bucket has tokens.
func (s *Scheduler) tick(ctx context.Context) {
	eligible := s.Eligible(s.clock.Now())
	if len(eligible) == 0 {
		return
	}

	for _, t := range eligible {
		remaining, err := s.limiter.GlobalLLMRemaining(ctx)
		if err != nil {
			s.logger.Warn("Counter store unavailable, pausing dispatch", "error", err)
			return
		}
		if remaining < 1 {
			s.logger.Info("Global daily budget exhausted, pausing dispatch")
			return
		}

		if !s.reg.TryClaim(t.ID) {
			continue
		}
		select {
		case s.out <- WorkItem{Tenant: t}:
			s.logger.Debug("Dispatched tenant", "tenant_id", t.ID)
		case <-ctx.Done():
			s.reg.Release(t.ID)
			return
		default:
			// No idle worker; stop draining until the next tick.
			s.reg.Release(t.ID)
			return
		}
	}
}

// Eligible returns the tenants due for a cycle at now, ordered
// least-recently-acted first. Deterministic for identical inputs.
func (s *Scheduler) Eligible(now time.Time) []*models.Tenant {
	var eligible []*models.Tenant
	for _, t := range s.reg.ListActive() {
		if !s.cal.InPostingWindow(t, now) {
			continue
		}
		if !s.underDailyLimits(t, now) {
			continue
		}
		if s.reg.Claimed(t.ID) {
			continue
		}
		eligible = append(eligible, t)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		switch {
		case a.LastActedAt == nil && b.LastActedAt != nil:
			return true
		case a.LastActedAt != nil && b.LastActedAt == nil:
			return false
		case a.LastActedAt != nil && b.LastActedAt != nil && !a.LastActedAt.Equal(*b.LastActedAt):
			return a.LastActedAt.Before(*b.LastActedAt)
		}
		return idHash(a.ID) < idHash(b.ID)
	})
	return eligible
}

// underDailyLimits checks the snapshot counters against the daily ceilings.
// Counters from a previous tenant-local day count as zero.
func (s *Scheduler) underDailyLimits(t *models.Tenant, now time.Time) bool {
	_, dayKey, err := s.cal.Local(t.Timezone, now)
	if err != nil {
		return false
	}
	if t.Counters.DayKey != dayKey {
		return true
	}
	return t.Counters.LLMCalls < s.cfg.Limits.DailyLLM && t.Counters.Posts < s.cfg.Limits.DailyPosts
}

// NextWake computes when the next tick should run: the earliest upcoming
// window opening or daily reset across tenants, bounded by the poll
// interval.
func (s *Scheduler) NextWake(now time.Time) time.Time {
	wake := now.Add(s.cfg.PollInterval)
	for _, t := range s.reg.ListActive() {
		if open, ok := s.cal.NextWindowOpen(t, now); ok && open.After(now) && open.Before(wake) {
			wake = open
		}
		if reset, err := s.cal.NextLocalMidnight(t.Timezone, now); err == nil && reset.After(now) && reset.Before(wake) {
			wake = reset
		}
	}
	return wake
}

// idHash is the stable tie-break for tenants with identical last activity.
func idHash(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
