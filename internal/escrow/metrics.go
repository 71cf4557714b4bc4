package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/workescrow/internal/apperr"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Milestone transition attempts by operation and outcome code.",
	}, []string{"op", "result"})

	transitionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workescrow",
		Subsystem: "escrow",
		Name:      "transition_duration_seconds",
		Help:      "End-to-end time of a milestone transition, lock to publish.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"op"})

	consistencyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "escrow",
		Name:      "consistency_failures_total",
		Help:      "Confirmed chain transactions whose persistence failed.",
	}, []string{"op"})

	contentHashNormalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "escrow",
		Name:      "contenthash_lossy_total",
		Help:      "Delivered content hashes that were padded, truncated or discarded.",
	}, []string{"normalization"})

	lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workescrow",
		Subsystem: "escrow",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the per-milestone lock.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, transitionDuration, consistencyFailures, contentHashNormalized, lockWait)
}

func observeTransition(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
	}
	transitionsTotal.WithLabelValues(op, result).Inc()
	transitionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
