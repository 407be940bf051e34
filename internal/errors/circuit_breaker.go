package errors

import (
	"sync"
	"time"
)

// CircuitState is the state of a backend circuit.
type CircuitState int

const (
	// Closed forwards requests normally.
	Closed CircuitState = iota
	// Open fails requests fast without contacting the backend.
	Open
	// HalfOpen lets a single probe through.
	HalfOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a backend circuit.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // time open before a probe is allowed
}

// DefaultCircuitBreakerConfig returns defaults for backend circuits.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures of one backend host.
type CircuitBreaker struct {
	mu sync.Mutex

	config   CircuitBreakerConfig
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewCircuitBreaker creates a closed circuit. A nil clock uses time.Now.
func NewCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{config: config, now: now}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a request may be sent.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false
		}
		cb.state = HalfOpen
		cb.probing = true
		return true
	case HalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of an allowed request.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if success {
		cb.state = Closed
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.state == HalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = Open
		cb.openedAt = cb.now()
	}
}

// NewCircuitOpenError is returned instead of contacting an open backend.
func NewCircuitOpenError(host string) *GatewayError {
	err := New(Upstream, "forward", "backend circuit open", nil)
	err.Details = host
	err.StatusCode = 503
	return err
}
