// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for distributed tracing and
// Prometheus for metrics on the queue, the worker pool, and the
// analyser's retry cascade.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsEnqueuedTotal counts jobs accepted by the queue per kind.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)
	JobsLeasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_leased_total",
			Help: "Total number of jobs handed to workers",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"kind"},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_retried_total",
			Help: "Total number of failed jobs re-enqueued with backoff",
		},
	)
	JobsDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter store",
		},
	)
	LeasesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_leases_reaped_total",
			Help: "Total number of expired leases returned to the waiting set",
		},
	)

	AnalysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_duration_seconds",
			Help:    "Wall time of one full analyser call",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90, 120},
		},
		[]string{"outcome"},
	)
	AnalysisVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_verdicts_total",
			Help: "Verdicts by status and link class",
		},
		[]string{"status", "link_class"},
	)
	ProxyFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_proxy_fallbacks_total",
			Help: "Proxy fallback attempts by trigger",
		},
		[]string{"trigger"},
	)

	SheetRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_sheet_runs_total",
			Help: "Scheduler fires by outcome",
		},
		[]string{"outcome"},
	)
	ScheduledTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_tasks",
			Help: "Number of armed sheet timers",
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_events_published_total",
			Help: "Events published per kind",
		},
		[]string{"event"},
	)
)

var metricsInitialized bool

// InitMetrics registers all metrics with the default registry.
// Call once per process before serving /metrics.
func InitMetrics() {
	if metricsInitialized {
		return
	}
	metricsInitialized = true
	prometheus.MustRegister(
		JobsEnqueuedTotal,
		JobsLeasedTotal,
		JobsCompletedTotal,
		JobsRetriedTotal,
		JobsDeadLetteredTotal,
		LeasesReapedTotal,
		AnalysisDuration,
		AnalysisVerdictsTotal,
		ProxyFallbacksTotal,
		SheetRunsTotal,
		ScheduledTasks,
		EventsPublishedTotal,
	)
}
