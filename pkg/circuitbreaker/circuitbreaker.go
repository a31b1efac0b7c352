package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Circuit is open, requests fail immediately
	StateHalfOpen              // Testing if service recovered, limited requests allowed
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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // Number of failures before opening circuit
	SuccessThreshold    int           // Number of successes in half-open state to close circuit
	Timeout             time.Duration // Time to wait before transitioning from open to half-open
	MaxRequestsHalfOpen int           // Max requests allowed in half-open state
	// IsFailure decides which errors count against the backend. Nil counts
	// every error except context cancellation.
	IsFailure func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

// New creates a new circuit breaker with the given configuration
func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange sets a callback function that is called when the circuit breaker state changes
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn through the breaker. fn's own error is returned as is.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := Do(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do is Execute for functions returning a value.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if state, ok := cb.allowRequest(); !ok {
		return zero, fmt.Errorf("%w (%s)", ErrOpen, state)
	}

	result, err := fn()
	if err != nil && cb.countsAsFailure(err) {
		cb.onFailure()
		return zero, err
	}
	cb.onSuccess()
	return result, err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// allowRequest checks if a request should be allowed based on current state
func (cb *CircuitBreaker) allowRequest() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.stateChangeTime) < cb.config.Timeout {
			return cb.state, false
		}
		cb.transitionTo(StateHalfOpen)
		cb.halfOpenRequests++
		return cb.state, true
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			return cb.state, false
		}
		cb.halfOpenRequests++
		return cb.state, true
	default:
		return cb.state, true
	}
}

// onFailure records a failure and updates circuit breaker state
func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.successCount = 0
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen || cb.failureCount >= cb.config.FailureThreshold {
		cb.transitionTo(StateOpen)
	}
}

// onSuccess records a success and updates circuit breaker state
func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.failureCount = 0

	if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
		cb.transitionTo(StateClosed)
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChangeTime = time.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	State           State
	FailureCount    int
	LastFailureTime time.Time
	StateChangeTime time.Time
}

// GetStats returns current circuit breaker statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		StateChangeTime: cb.stateChangeTime,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}
