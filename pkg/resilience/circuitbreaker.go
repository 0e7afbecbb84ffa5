// Package resilience guards calls to lock-service nodes that keep failing.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all calls through
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout elapses
	StateOpen
	// StateHalfOpen lets a single trial call through to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 10 * time.Second
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	// OnStateChange is invoked outside the breaker lock on every transition.
	OnStateChange func(name string, from, to State)
}

func (c *BreakerConfig) normalize() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
}

// CircuitBreaker counts consecutive failures of a dependency and short-circuits
// calls once MaxFailures is reached. Cancellation of the caller's context is not
// counted as a dependency failure.
type CircuitBreaker struct {
	config BreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.normalize()
	return &CircuitBreaker{
		config: cfg,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	switch {
	case callErr == nil:
		cb.onSuccess(trial)
	case ctx.Err() != nil && errors.Is(callErr, ctx.Err()):
		cb.onNeutral(trial)
	default:
		cb.onFailure(trial)
	}
	return callErr
}

func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.ResetTimeout {
			return false, ErrCircuitBreakerOpen
		}
		transition = cb.setStateLocked(StateHalfOpen)
		cb.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return false, ErrCircuitBreakerOpen
		}
		cb.trialInFlight = true
		return true, nil
	default:
		return false, ErrCircuitBreakerOpen
	}
}

func (cb *CircuitBreaker) onSuccess(trial bool) {
	cb.mu.Lock()
	var transition func()
	if trial {
		cb.trialInFlight = false
		transition = cb.setStateLocked(StateClosed)
	}
	cb.failures = 0
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

func (cb *CircuitBreaker) onFailure(trial bool) {
	cb.mu.Lock()
	var transition func()
	if trial {
		cb.trialInFlight = false
	}
	cb.failures++
	if trial || (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) {
		cb.openedAt = cb.now()
		transition = cb.setStateLocked(StateOpen)
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

func (cb *CircuitBreaker) onNeutral(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	cb.trialInFlight = false
	cb.mu.Unlock()
}

// setStateLocked must be called with cb.mu held; the returned callback must run after unlock.
func (cb *CircuitBreaker) setStateLocked(next State) func() {
	prev := cb.state
	if prev == next {
		return nil
	}
	cb.state = next
	if next == StateClosed {
		cb.failures = 0
	}
	hook := cb.config.OnStateChange
	if hook == nil {
		return nil
	}
	name := cb.config.Name
	return func() { hook(name, prev, next) }
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transition := cb.setStateLocked(StateClosed)
	cb.failures = 0
	cb.trialInFlight = false
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}
