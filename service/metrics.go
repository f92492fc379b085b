package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hdwallet"

// Metrics are the orchestrator counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	auditFailures prometheus.Counter
}

// NewMetrics creates the orchestrator counters and registers them on reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tx",
			Name:      "transitions_total",
			Help:      "Transaction record status transitions.",
		}, []string{"network", "from", "to"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tx",
			Name:      "broadcasts_total",
			Help:      "Broadcast attempts by outcome.",
		}, []string{"network", "outcome"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit log entries that could not be written.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.broadcasts, m.auditFailures)
	}
	return m
}

func (m *Metrics) transition(network, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(network, from, to).Inc()
}

// Broadcast outcomes.
const (
	outcomeAccepted  = "accepted"
	outcomeTerminal  = "terminal"
	outcomeTransient = "transient"
	outcomeUnknown   = "unknown"
)

func (m *Metrics) broadcast(network, outcome string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(network, outcome).Inc()
}

func (m *Metrics) auditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}
