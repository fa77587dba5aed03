package portal

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/campusgate/attendance-portal/internal/guard"
)

// Metrics are the portal's Prometheus collectors.
type Metrics struct {
	Decisions *prometheus.CounterVec
	Logins    *prometheus.CounterVec
	Captures  *prometheus.CounterVec
	Clients   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "guard_decisions_total",
			Help:      "Route guard decisions by outcome and state.",
		}, []string{"outcome", "state"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		Captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "face_captures_total",
			Help:      "Face verification and enrollment submissions by result.",
		}, []string{"mode", "role", "result"}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Name:      "live_clients",
			Help:      "Clients with an in-memory session store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.Logins, m.Captures, m.Clients)
	}
	return m
}

func (m *Metrics) decision(d guard.Decision) {
	m.Decisions.WithLabelValues(string(d.Outcome), string(d.State)).Inc()
}
