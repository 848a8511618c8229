package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries the gateway counters.
type Metrics struct {
	allowlistDecisions *prometheus.CounterVec
	probes             *prometheus.CounterVec
}

// NewMetrics registers the gateway counters on the given registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	return &Metrics{
		allowlistDecisions: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_allowlist_decisions_total",
				Help: "Gateway allowlist decisions by result",
			},
			[]string{"result"},
		),
		probes: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_probe_total",
				Help: "Gateway health probe outcomes by status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) allowlistDecision(result string) {
	if m != nil {
		m.allowlistDecisions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) probeOutcome(status string) {
	if m != nil {
		m.probes.WithLabelValues(status).Inc()
	}
}
