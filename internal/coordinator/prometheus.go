package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsCollector on a private Prometheus
// registry.
type PrometheusMetrics struct {
	stateTransitions *prometheus.CounterVec
	eventsDispatched *prometheus.CounterVec
	sessionsResolved *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a Prometheus-backed collector.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "diskburn"
	}

	m := &PrometheusMetrics{registry: prometheus.NewRegistry()}

	m.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_state_transitions_total",
			Help:      "Total number of coordinator state transitions",
		},
		[]string{"from_state", "to_state"},
	)
	m.eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_events_dispatched_total",
			Help:      "Total number of application events dispatched",
		},
		[]string{"event"},
	)
	m.sessionsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_sessions_resolved_total",
			Help:      "Total number of sessions by resolution outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(m.stateTransitions, m.eventsDispatched, m.sessionsResolved)
	return m
}

// Registry exposes the collector's registry for scraping or testing.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) StateTransition(from, to State) {
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *PrometheusMetrics) EventDispatched(name string) {
	m.eventsDispatched.WithLabelValues(name).Inc()
}

func (m *PrometheusMetrics) SessionResolved(outcome string) {
	m.sessionsResolved.WithLabelValues(outcome).Inc()
}
