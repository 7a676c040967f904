package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ideal_lifecycle_records",
		Help: "Registry records by job state.",
	}, []string{"state"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ideal_lifecycle_transitions_total",
		Help: "Job state transitions applied by the lifecycle daemon.",
	}, []string{"event"})

	daemonsKilledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ideal_lifecycle_daemons_killed_total",
		Help: "Convergence daemons terminated, by reason.",
	}, []string{"reason"})

	cycleErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ideal_lifecycle_cycle_errors_total",
		Help: "Lifecycle cycles that could not load or save the registry.",
	})

	cycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ideal_lifecycle_cycle_seconds",
		Help:    "Duration of lifecycle cycles.",
		Buckets: prometheus.DefBuckets,
	})
)
