// Package engine runs the worker pool: a bounded set of workers consuming
// scheduler work items, executing the pipeline, and recording outcomes.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/clara-labs/clara/pkg/metrics"
	"github.com/clara-labs/clara/pkg/pipeline"
	"github.com/clara-labs/clara/pkg/ratelimit"
	"github.com/clara-labs/clara/pkg/registry"
	"github.com/clara-labs/clara/pkg/scheduler"
	"github.com/clara-labs/clara/pkg/semcache"
)

// State is the engine lifecycle phase.
type State string

// Engine states.
const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Config tunes the pool.
type Config struct {
	// Workers is the pool size; zero auto-sizes to
	// min(32, 2 x active tenants) at start, with a floor of 1.
	Workers int

	// ShutdownGrace is the drain phase budget before in-flight jobs are
	// cancelled.
	ShutdownGrace time.Duration
}

// Status is the health document surfaced over the API.
type Status struct {
	State           State                `json:"state"`
	Uptime          string               `json:"uptime"`
	ActiveTenants   int                  `json:"active_tenants"`
	WorkersBusy     int                  `json:"workers_busy"`
	Workers         int                  `json:"workers"`
	BucketRemaining map[string]float64   `json:"bucket_remaining_by_key"`
	LastErrors      map[string]string    `json:"last_error_by_component"`
	Cache           semcache.Stats       `json:"cache"`
}

// Engine owns the worker pool and the component lifecycles around it.
type Engine struct {
	cfg     Config
	sched   *scheduler.Scheduler
	pipe    *pipeline.Pipeline
	reg     *registry.Registry
	limiter *ratelimit.Coordinator
	cache   *semcache.Cache
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	workers   int
	busy      atomic.Int64
	state     atomic.Value // State
	startedAt time.Time
	lastErrs  sync.Map // component -> string

	schedCancel context.CancelFunc
	jobCancel   context.CancelFunc
	wg          sync.WaitGroup
}

// New wires an engine.
func New(cfg Config, sched *scheduler.Scheduler, pipe *pipeline.Pipeline, reg *registry.Registry,
	limiter *ratelimit.Coordinator, cache *semcache.Cache, m *metrics.Metrics, cl clock.Clock) *Engine {
	e := &Engine{
		cfg:     cfg,
		sched:   sched,
		pipe:    pipe,
		reg:     reg,
		limiter: limiter,
		cache:   cache,
		metrics: m,
		clock:   cl,
		logger:  slog.With("component", "engine"),
	}
	e.state.Store(StateStarting)
	return e
}

// Start launches the scheduler loop and the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.startedAt = e.clock.Now()

	e.workers = e.cfg.Workers
	if e.workers <= 0 {
		active := len(e.reg.ListActive())
		e.workers = min(32, 2*active)
		if e.workers < 1 {
			e.workers = 1
		}
	}

	schedCtx, schedCancel := context.WithCancel(ctx)
	jobCtx, jobCancel := context.WithCancel(ctx)
	e.schedCancel = schedCancel
	e.jobCancel = jobCancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sched.Run(schedCtx)
	}()

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(jobCtx, i)
	}

	e.state.Store(StateRunning)
	e.logger.Info("Engine started", "workers", e.workers)
}

// worker consumes work items until the scheduler channel closes.
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	log := e.logger.With("worker", id)

	for item := range e.sched.Out() {
		e.busy.Add(1)
		if e.metrics != nil {
			e.metrics.WorkersBusy.Inc()
		}

		start := e.clock.Now()
		res := e.pipe.Run(ctx, item.Tenant)
		e.settle(item.Tenant.ID, res, log)

		if e.metrics != nil {
			e.metrics.WorkersBusy.Dec()
			e.metrics.JobDuration.Observe(e.clock.Since(start).Seconds())
		}
		e.busy.Add(-1)
	}
}

// settle applies a run result to the registry claim and the metrics.
func (e *Engine) settle(tenantID string, res pipeline.Result, log *slog.Logger) {
	switch res.Status {
	case pipeline.StatusPublished, pipeline.StatusFailed:
		err := e.reg.RecordCompletion(tenantID, registry.Outcome{
			LLMCalls:  res.LLMCalls,
			Published: res.Status == pipeline.StatusPublished,
		})
		if err != nil {
			log.Warn("Failed to record completion", "tenant_id", tenantID, "error", err)
		}
	default:
		// Deferred or aborted cycles release the claim without counting
		// as activity.
		e.reg.Release(tenantID)
	}

	if res.Err != nil {
		e.lastErrs.Store("pipeline", res.Err.Error())
		log.Warn("Cycle did not publish",
			"tenant_id", tenantID, "status", string(res.Status),
			"failure_kind", string(res.FailureKind), "error", res.Err)
	}

	if e.metrics == nil {
		return
	}
	e.metrics.JobsTotal.WithLabelValues(string(res.Status)).Inc()
	e.metrics.LLMCallsTotal.Add(float64(res.LLMCalls))
	if res.CacheOutcome != "" {
		e.metrics.CacheLookups.WithLabelValues(string(res.CacheOutcome)).Inc()
	}
}

// Stop drains then aborts: new dispatch ends immediately, in-flight jobs get
// ShutdownGrace to finish, stragglers are cancelled.
func (e *Engine) Stop(ctx context.Context) {
	e.state.Store(StateStopping)
	e.logger.Info("Engine stopping", "grace", e.cfg.ShutdownGrace)

	e.schedCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := e.clock.NewTimer(e.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		e.logger.Info("Workers drained gracefully")
	case <-timer.C():
		e.logger.Warn("Shutdown grace exceeded, aborting in-flight jobs")
		e.jobCancel()
		<-done
	case <-ctx.Done():
		e.jobCancel()
		<-done
	}
	e.jobCancel()

	e.state.Store(StateStopped)
	e.logger.Info("Engine stopped")
}

// RecordComponentError stores a component's most recent error for the
// health document.
func (e *Engine) RecordComponentError(component string, err error) {
	if err != nil {
		e.lastErrs.Store(component, err.Error())
	}
}

// Status assembles the health document. Bucket remaining is sampled live
// from the counter store.
func (e *Engine) Status(ctx context.Context) Status {
	active := e.reg.ListActive()

	buckets := make(map[string]float64)
	if remaining, err := e.limiter.GlobalLLMRemaining(ctx); err == nil {
		buckets[ratelimit.GlobalLLMDailyKey()] = remaining
	} else {
		e.RecordComponentError("ratelimit", err)
	}
	for _, t := range active {
		for _, spec := range append(e.limiter.LLMBuckets(t.ID), e.limiter.PostBuckets(t.ID)...) {
			if _, ok := buckets[spec.Key]; ok {
				continue
			}
			if remaining, err := e.limiter.Remaining(ctx, spec); err == nil {
				buckets[spec.Key] = remaining
			}
		}
	}

	lastErrs := make(map[string]string)
	e.lastErrs.Range(func(k, v any) bool {
		lastErrs[k.(string)] = v.(string)
		return true
	})

	st := Status{
		State:           e.state.Load().(State),
		ActiveTenants:   len(active),
		WorkersBusy:     int(e.busy.Load()),
		Workers:         e.workers,
		BucketRemaining: buckets,
		LastErrors:      lastErrs,
	}
	if e.cache != nil {
		st.Cache = e.cache.Stats()
	}
	if !e.startedAt.IsZero() {
		st.Uptime = e.clock.Since(e.startedAt).Round(time.Second).String()
	}
	if e.metrics != nil {
		e.metrics.ActiveTenants.Set(float64(len(active)))
		for key, remaining := range buckets {
			e.metrics.BucketRemaining.WithLabelValues(key).Set(remaining)
		}
	}
	return st
}
