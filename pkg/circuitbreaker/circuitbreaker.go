package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without running the call while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast with ErrOpen
	StateHalfOpen              // a limited number of probe calls pass
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
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // probe successes needed to close again
	OpenTimeout      time.Duration // time spent open before probing
	MaxProbes        int           // concurrent calls allowed while half-open
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenTimeout:      30 * time.Second,
		MaxProbes:        1,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	probes          int
	lastFailure     time.Time
	lastError       error
	stateChangeTime time.Time

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
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1
	}
	return &CircuitBreaker{
		config:          config,
		now:             time.Now,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange registers a callback run synchronously on every transition,
// outside the breaker's lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. Errors from fn are returned
// unchanged; a rejected call returns an error wrapping ErrOpen and the last
// recorded failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// Do is Execute for calls that produce a value.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.stateChangeTime) < cb.config.OpenTimeout {
			if cb.lastError != nil {
				return fmt.Errorf("%w: last failure: %w", ErrOpen, cb.lastError)
			}
			return ErrOpen
		}
		notify = cb.transitionLocked(StateHalfOpen)
		cb.probes++
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return ErrOpen
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()
		cb.lastError = err
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
	}
}

// transitionLocked changes state and returns the callback invocation, if any,
// to run after the lock is released.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	if cb.state == to {
		return nil
	}
	from := cb.state
	cb.state = to
	cb.stateChangeTime = cb.now()
	cb.successes = 0
	cb.probes = 0
	if to == StateClosed {
		cb.failures = 0
		cb.lastError = nil
	}

	if fn := cb.onStateChange; fn != nil {
		return func() { fn(from, to) }
	}
	return nil
}

// State returns the current state. An open breaker whose timeout elapsed
// still reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	State           State
	Failures        int
	LastFailureTime time.Time
	StateChangeTime time.Time
}

// Stats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:           cb.state,
		Failures:        cb.failures,
		LastFailureTime: cb.lastFailure,
		StateChangeTime: cb.stateChangeTime,
	}
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.failures = 0
	cb.lastError = nil
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}
