package metrics

import (
	"time"
)

// Collector defines the interface for collecting ledger metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory for tests).
type Collector interface {
	// Workflow
	RecordDecision(kind string, outcome string, duration time.Duration)
	RecordDepositBlocked()

	// Balances and cards
	RecordAdjustment(direction string, cents int64)
	RecordCardIssued(cardType string, attempts int)

	// Storage units
	RecordStoreOp(backend string, outcome string, duration time.Duration)
	RecordCircuitState(backend string, state CircuitState)

	// Directory cache
	RecordCacheGet(layer string, hit bool, duration time.Duration)
	RecordCacheSet(layer string, success bool, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the backend has recovered.
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

// NoOpCollector is a no-op implementation of Collector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordDecision does nothing.
func (NoOpCollector) RecordDecision(kind string, outcome string, duration time.Duration) {}

// RecordDepositBlocked does nothing.
func (NoOpCollector) RecordDepositBlocked() {}

// RecordAdjustment does nothing.
func (NoOpCollector) RecordAdjustment(direction string, cents int64) {}

// RecordCardIssued does nothing.
func (NoOpCollector) RecordCardIssued(cardType string, attempts int) {}

// RecordStoreOp does nothing.
func (NoOpCollector) RecordStoreOp(backend string, outcome string, duration time.Duration) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(backend string, state CircuitState) {}

// RecordCacheGet does nothing.
func (NoOpCollector) RecordCacheGet(layer string, hit bool, duration time.Duration) {}

// RecordCacheSet does nothing.
func (NoOpCollector) RecordCacheSet(layer string, success bool, duration time.Duration) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
