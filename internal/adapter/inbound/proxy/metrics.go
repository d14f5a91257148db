package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's Prometheus instruments.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	SecretBlocks  prometheus.Counter
	ActiveTunnels prometheus.Gauge
}

// NewMetrics registers the proxy metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crabpot",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Egress requests by method and final policy decision.",
		}, []string{"method", "decision"}),
		SecretBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "crabpot",
			Subsystem: "proxy",
			Name:      "secret_blocks_total",
			Help:      "Requests blocked by the secret scanner.",
		}),
		ActiveTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "crabpot",
			Subsystem: "proxy",
			Name:      "active_tunnels",
			Help:      "CONNECT tunnels currently open.",
		}),
	}
}
