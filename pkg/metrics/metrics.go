package metrics

import (
	"time"
)

// Collector defines the interface for collecting settlement metrics.
// Implementations can export metrics to various backends.
type Collector interface {
	// RecordSettlement records one settled inbound transfer by kind
	// (internal, external_credit, forward) and outcome (completed,
	// rejected reason class).
	RecordSettlement(kind, outcome string, duration time.Duration)

	// RecordForward records one relayed message by peer outcome
	// (ack, nack, indeterminate).
	RecordForward(outcome string, duration time.Duration)

	// RecordPull records one pull-funds flow by outcome
	// (completed, rejected, reconcile_pending).
	RecordPull(outcome string, duration time.Duration)

	// RecordDuplicate records an absorbed idempotent replay.
	RecordDuplicate()

	// RecordCircuitState records a gateway circuit breaker transition.
	RecordCircuitState(peer string, state CircuitState)

	// RecordNotification records one fan-out notification delivery
	// attempt.
	RecordNotification(delivered bool)

	// RecordQueueDepth records the notification dispatcher queue depth.
	RecordQueueDepth(depth int)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the peer has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of Collector, used as the default
// when metrics are not needed.
type NoOpCollector struct{}

// RecordSettlement does nothing.
func (NoOpCollector) RecordSettlement(kind, outcome string, duration time.Duration) {}

// RecordForward does nothing.
func (NoOpCollector) RecordForward(outcome string, duration time.Duration) {}

// RecordPull does nothing.
func (NoOpCollector) RecordPull(outcome string, duration time.Duration) {}

// RecordDuplicate does nothing.
func (NoOpCollector) RecordDuplicate() {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(peer string, state CircuitState) {}

// RecordNotification does nothing.
func (NoOpCollector) RecordNotification(delivered bool) {}

// RecordQueueDepth does nothing.
func (NoOpCollector) RecordQueueDepth(depth int) {}
