package convergence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ideal",
			Subsystem: "convergence",
			Name:      "partial_results_total",
			Help:      "Partial results processed, by stream and outcome.",
		},
		[]string{"stream", "outcome"},
	)

	deferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ideal",
			Subsystem: "convergence",
			Name:      "partial_results_deferred_total",
			Help:      "Partial results deferred to a later cycle (lock timeout or incomplete).",
		},
		[]string{"stream"},
	)

	primariesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ideal",
			Subsystem: "convergence",
			Name:      "primaries",
			Help:      "Accumulated primaries per stream.",
		},
		[]string{"stream"},
	)

	uncertaintyGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ideal",
			Subsystem: "convergence",
			Name:      "uncertainty_percent",
			Help:      "Last estimated relative statistical uncertainty per stream.",
		},
		[]string{"stream"},
	)
)
