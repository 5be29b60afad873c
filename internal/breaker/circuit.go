// Package breaker implements the three-state circuit breaker gating
// every engine adapter operation. Each adapter exclusively owns one
// CircuitBreaker; concurrent callers serialize through its internal
// lock.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
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

// Config configures a CircuitBreaker. Zero values fall back to the
// defaults below.
type Config struct {
	// FailureThreshold is consecutive failures required to trip to Open.
	// Default: 5.
	FailureThreshold int
	// RecoveryTimeout is how long Open is held before a single probe is
	// allowed through in HalfOpen. Default: 60s.
	RecoveryTimeout time.Duration
	// OnStateChange, if set, is invoked on every transition. It runs
	// under the breaker's lock and must not call back into it.
	OnStateChange func(from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	return c
}

// CircuitBreaker is a three-state gate around a fallible call.
type CircuitBreaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	probeInFlight bool
}

// New creates a CircuitBreaker in the Closed state.
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: Closed}
}

// CanExecute is a non-blocking query: callers decide whether to wait or
// shed when it returns false. In HalfOpen, only one in-flight probe is
// permitted at a time; subsequent callers are refused until that probe's
// outcome is recorded.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()

	switch cb.state {
	case Closed:
		return true
	case HalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default: // Open
		return false
	}
}

// State returns the current state without side effects beyond the
// Open->HalfOpen timeout check.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// RecordSuccess resets the failure count and closes the circuit. In
// HalfOpen, a successful probe closes the circuit; in Closed, it simply
// resets the counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from := cb.state
	cb.failures = 0
	cb.probeInFlight = false
	cb.state = Closed

	cb.notify(from, cb.state)
}

// RecordFailure registers a failure. In Closed, it trips to Open once
// FailureThreshold consecutive failures accrue. In HalfOpen, the failed
// probe immediately reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from := cb.state
	cb.lastFailure = time.Now()

	switch cb.state {
	case HalfOpen:
		cb.probeInFlight = false
		cb.state = Open
	default:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = Open
		}
	}

	cb.notify(from, cb.state)
}

// Failures returns the current consecutive-failure count. Only
// RecordSuccess resets it; it keeps its value when the circuit trips to
// Open and while it stays Open or HalfOpen.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == Open && time.Since(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
		from := cb.state
		cb.state = HalfOpen
		cb.probeInFlight = false
		cb.notify(from, cb.state)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
