// Package metrics holds the Prometheus collectors for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine emits. One instance per
// process, registered on its own registry so tests can instantiate freely.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal        *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	CacheLookups     *prometheus.CounterVec
	LLMCallsTotal    prometheus.Counter
	LLMTokensTotal   prometheus.Counter
	ValidationWarns  prometheus.Counter
	BucketRemaining  *prometheus.GaugeVec
	WorkersBusy      prometheus.Gauge
	ActiveTenants    prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clara",
			Name:      "jobs_total",
			Help:      "Completed tenant cycles by outcome.",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clara",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one tenant cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clara",
			Name:      "cache_lookups_total",
			Help:      "Semantic cache lookups by outcome.",
		}, []string{"outcome"}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clara",
			Name:      "llm_calls_total",
			Help:      "Actual LLM driver invocations.",
		}),
		LLMTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clara",
			Name:      "llm_tokens_total",
			Help:      "Provider-reported token usage, when available.",
		}),
		ValidationWarns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clara",
			Name:      "validation_warnings_total",
			Help:      "Validation rules that warned without aborting.",
		}),
		BucketRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clara",
			Name:      "bucket_remaining_tokens",
			Help:      "Remaining tokens per rate-limit bucket, sampled.",
		}, []string{"bucket"}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clara",
			Name:      "workers_busy",
			Help:      "Workers currently running a cycle.",
		}),
		ActiveTenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clara",
			Name:      "active_tenants",
			Help:      "Active tenants in the registry.",
		}),
	}

	reg.MustRegister(
		m.JobsTotal, m.JobDuration, m.CacheLookups, m.LLMCallsTotal,
		m.LLMTokensTotal, m.ValidationWarns, m.BucketRemaining,
		m.WorkersBusy, m.ActiveTenants,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
