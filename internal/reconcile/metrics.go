package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workescrow",
		Subsystem: "reconcile",
		Name:      "mismatches",
		Help:      "Milestones whose persisted status contradicts chain state in the last run.",
	})

	reconcilePendingRepairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workescrow",
		Subsystem: "reconcile",
		Name:      "repairs_pending",
		Help:      "Queued repairs still waiting for a receipt or a successful write.",
	})

	repairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "reconcile",
		Name:      "repairs_total",
		Help:      "Queued repairs processed, by result.",
	}, []string{"result"})

	advancedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "reconcile",
		Name:      "advanced_total",
		Help:      "Milestones advanced to match chain state by the scan.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workescrow",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total reconciliation read and write errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcilePendingRepairs,
		repairsTotal,
		advancedTotal,
		reconcileDuration,
		reconcileErrors,
	)
}
