package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the experimentation engine.
type Metrics struct {
	ExperimentsCreated prometheus.Counter
	Transitions        *prometheus.CounterVec

	AssignmentsTotal   *prometheus.CounterVec
	AssignmentsSkipped *prometheus.CounterVec // targeting / allocation rejections

	EventsTotal      *prometheus.CounterVec
	EventsDiscarded  prometheus.Counter // events against non-active experiments
	ConversionsTotal *prometheus.CounterVec

	ResultsCacheHits   prometheus.Counter
	ResultsCacheMisses prometheus.Counter

	StatsDuration prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		ExperimentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_experiments_created_total",
			Help: "Number of experiments created",
		}),
		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exp_lifecycle_transitions_total",
				Help: "Number of experiment lifecycle transitions by target state",
			},
			[]string{"to"},
		),
		AssignmentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exp_assignments_total",
				Help: "Number of variant assignments served per experiment",
			},
			[]string{"experiment_id"},
		),
		AssignmentsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exp_assignments_skipped_total",
				Help: "Number of assignment requests rejected by targeting or traffic allocation",
			},
			[]string{"experiment_id", "reason"},
		),
		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exp_events_total",
				Help: "Number of outcome events recorded per experiment",
			},
			[]string{"experiment_id"},
		),
		EventsDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_events_discarded_total",
			Help: "Number of events dropped because the experiment was not active",
		}),
		ConversionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exp_conversions_total",
				Help: "Number of conversion events recorded per experiment",
			},
			[]string{"experiment_id"},
		),
		ResultsCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_results_cache_hits_total",
			Help: "Number of results reads served from cache",
		}),
		ResultsCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exp_results_cache_misses_total",
			Help: "Number of results reads that recomputed statistics",
		}),
		StatsDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "exp_stats_computation_seconds",
			Help:    "Latency of full statistics computation",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
