package backend

import (
	"sync"
	"time"

	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

// CircuitState is the circuit breaker's current state.
type CircuitState string

// Circuit breaker states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker gates reconnect attempts on top of the bare state machine
// of spec.md §4.2, giving operators a richer BackendHealthStatus signal
// (SPEC_FULL.md §10), grounded on the teacher's pkg/vmcp/health package.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	resetTimeout time.Duration

	state        CircuitState
	failureCount int
	openedAt     time.Time
	halfOpenTest bool
}

// NewCircuitBreaker constructs a circuit breaker that opens after threshold
// consecutive failures and attempts a half-open probe after resetTimeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// CanAttempt reports whether a connection attempt is currently permitted.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenTest = false
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenTest {
			return false
		}
		cb.halfOpenTest = true
		return true
	default:
		return true
	}
}

// RecordFailure registers a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.halfOpenTest = false
		return
	}
	if cb.threshold > 0 && cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// RecordSuccess resets the breaker to closed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.halfOpenTest = false
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailureCount returns the current consecutive-failure count.
func (cb *CircuitBreaker) GetFailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// HealthStatus derives a BackendHealthStatus from the breaker's state for
// status-reporting surfaces.
func (cb *CircuitBreaker) HealthStatus() vmcp.BackendHealthStatus {
	switch cb.GetState() {
	case CircuitClosed:
		return vmcp.BackendHealthy
	case CircuitHalfOpen:
		return vmcp.BackendDegraded
	case CircuitOpen:
		return vmcp.BackendUnhealthy
	default:
		return vmcp.BackendUnknown
	}
}
