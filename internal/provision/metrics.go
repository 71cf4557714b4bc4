package provision

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/workescrow/internal/apperr"
)

var (
	provisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "provision",
		Name:      "escrows_total",
		Help:      "Escrow provisioning attempts by mode and outcome code.",
	}, []string{"mode", "result"})

	consistencyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workescrow",
		Subsystem: "provision",
		Name:      "consistency_failures_total",
		Help:      "Deployed escrows whose binding or ledger record failed.",
	})
)

func init() {
	prometheus.MustRegister(provisionsTotal, consistencyFailures)
}

func observe(mode string, err error) {
	result := "ok"
	if err != nil {
		result = apperr.CodeOf(err)
	}
	provisionsTotal.WithLabelValues(mode, result).Inc()
}
