package observability

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed means requests are allowed.
	StateClosed BreakerState = iota
	// StateOpen means requests are blocked.
	StateOpen
	// StateHalfOpen means a limited number of probe requests are allowed.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned when the breaker denies admission.
type CircuitOpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry in %.1fs", e.Name, e.Remaining.Seconds())
}

// CircuitBreaker protects an unreliable downstream. Closed admits all
// calls; open rejects until the recovery timeout elapses; half-open
// admits a bounded number of probes, closing again after enough
// successive probe successes or reopening on any probe failure.
// All transitions happen under one mutex.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
	probeSuccess  int
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration, halfOpenMax int) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	if halfOpenMax < 1 {
		halfOpenMax = 2
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMax:      halfOpenMax,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed, returning a CircuitOpenError
// with the remaining cooldown when denied. The open-to-half-open
// transition is evaluated lazily here.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.halfOpenMax {
			cb.halfOpenCalls++
			return nil
		}
		return &CircuitOpenError{Name: cb.name}
	default:
		remaining := cb.recoveryTimeout - time.Since(cb.lastFailure)
		if remaining < 0 {
			remaining = 0
		}
		return &CircuitOpenError{Name: cb.name, Remaining: remaining}
	}
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probeSuccess++
		if cb.probeSuccess >= cb.halfOpenMax {
			cb.toState(StateClosed)
		}
	}
}

// RecordFailure notes a failed call. A probe failure reopens the
// breaker immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()
	switch cb.state {
	case StateHalfOpen:
		cb.toState(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.toState(StateOpen)
		}
	}
}

// Do runs fn under breaker protection: admission first, then success or
// failure recording based on fn's error.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		RecordBreakerState(cb.name, int(StateOpen))
		return err
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	RecordBreakerState(cb.name, int(cb.State()))
	return err
}

// State returns the current state, applying the lazy open-to-half-open
// transition first.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toState(StateClosed)
}

// maybeHalfOpen transitions open to half-open once the recovery timeout
// has elapsed. Caller holds the mutex.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.recoveryTimeout {
		cb.toState(StateHalfOpen)
	}
}

// toState resets per-state counters on transition. Caller holds the mutex.
func (cb *CircuitBreaker) toState(s BreakerState) {
	cb.state = s
	cb.halfOpenCalls = 0
	cb.probeSuccess = 0
	if s == StateClosed {
		cb.failures = 0
	}
}
