package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the phase of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// CircuitBreaker trips open after Threshold consecutive failures and lets a
// single probe through once ResetTimeout has passed.
type CircuitBreaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
	onChange     func(State)

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewCircuitBreaker creates a closed breaker. onChange may be nil.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, logger *slog.Logger, onChange func(State)) *CircuitBreaker {
	if threshold < 1 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		logger:       logger.With("component", "circuit_breaker", "name", name),
		now:          time.Now,
		onChange:     onChange,
	}
}

// Execute runs fn when the breaker allows it. countAsFailure decides which
// errors trip the breaker; nil means every error does.
func (cb *CircuitBreaker) Execute(fn func() error, countAsFailure func(error) bool) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	failed := err != nil && (countAsFailure == nil || countAsFailure(err))
	cb.after(failed)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		wait := cb.resetTimeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s (retry after %v)", ErrCircuitOpen, cb.name, wait)
		}
		cb.setState(StateHalfOpen)
		cb.probeActive = true
		return nil
	case StateHalfOpen:
		if cb.probeActive {
			return fmt.Errorf("%w: %s (probe in progress)", ErrCircuitOpen, cb.name)
		}
		cb.probeActive = true
	}
	return nil
}

func (cb *CircuitBreaker) after(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probeActive = false
		if failed {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
			cb.logger.Warn("circuit re-opened, probe failed")
			return
		}
		cb.failures = 0
		cb.setState(StateClosed)
		cb.logger.Info("circuit closed")
		return
	}
	if !failed {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
		cb.logger.Warn("circuit opened", "consecutive_failures", cb.failures)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}
