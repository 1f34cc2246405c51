package coordinator

// MetricsCollector records coordinator activity.
type MetricsCollector interface {
	// StateTransition records one lifecycle state change.
	StateTransition(from, to State)

	// EventDispatched records delivery of one application event.
	EventDispatched(name string)

	// SessionResolved records the session outcome: "ready", "declined" or
	// "errored".
	SessionResolved(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) StateTransition(from, to State) {}
func (noopMetrics) EventDispatched(name string)    {}
func (noopMetrics) SessionResolved(outcome string) {}

// NewNoopMetrics returns a collector that records nothing.
func NewNoopMetrics() MetricsCollector {
	return noopMetrics{}
}
