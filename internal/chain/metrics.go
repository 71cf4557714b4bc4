package chain

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/workescrow/internal/apperr"
)

var (
	chainCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workescrow",
		Subsystem: "chain",
		Name:      "tx_duration_seconds",
		Help:      "Time from preflight to mined receipt for state-changing calls.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"op"})

	chainCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "chain",
		Name:      "tx_total",
		Help:      "State-changing contract calls by operation and outcome code.",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(chainCallDuration, chainCallsTotal)
}

func observeCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
	}
	chainCallsTotal.WithLabelValues(op, result).Inc()
	chainCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
