package realtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/workescrow/internal/metrics"
)

var (
	streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace, Subsystem: "stream", Name: "clients",
		Help: "Connected transition stream clients.",
	})
	streamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace, Subsystem: "stream", Name: "transitions_total",
		Help: "Transitions fanned out to stream clients, by target status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(streamClients, streamEvents)
}
