package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Counters
	resolves            *prometheus.CounterVec
	tasksWoken          *prometheus.CounterVec
	eventsAppended      prometheus.Counter
	eventAppendFailures prometheus.Counter
	notifyFailures      prometheus.Counter
	suspensions         prometheus.Counter
	tasksRepaired       prometheus.Counter

	// Gauges
	awakeablesPending prometheus.Gauge

	// Histograms
	resolveDuration   prometheus.Histogram
	reconcileDuration prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awakeable_resolves_total",
				Help: "Total number of resolve attempts by outcome",
			},
			[]string{"outcome"},
		),
		tasksWoken: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_woken_total",
				Help: "Total number of suspended tasks moved back to pending",
			},
			[]string{"source"},
		),
		eventsAppended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "events_appended_total",
				Help: "Total number of events appended to the event log",
			},
		),
		eventAppendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "event_append_failures_total",
				Help: "Resolutions committed without their audit event",
			},
		),
		notifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wake_notify_failures_total",
				Help: "Wake notifications that could not be published",
			},
		),
		suspensions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "task_suspensions_total",
				Help: "Total number of tasks suspended on an awakeable",
			},
		),
		tasksRepaired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconcile_tasks_repaired_total",
				Help: "Suspended tasks woken by the reconciler",
			},
		),
		awakeablesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "awakeables_pending",
				Help: "Current number of pending awakeables",
			},
		),
		resolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "awakeable_resolve_duration_seconds",
				Help:    "Time to resolve an awakeable, including commit",
				Buckets: prometheus.DefBuckets,
			},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconcile_duration_seconds",
				Help:    "Time spent in one reconcile sweep",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	// Register all metrics
	reg.MustRegister(
		m.resolves,
		m.tasksWoken,
		m.eventsAppended,
		m.eventAppendFailures,
		m.notifyFailures,
		m.suspensions,
		m.tasksRepaired,
		m.awakeablesPending,
		m.resolveDuration,
		m.reconcileDuration,
	)

	return m
}
