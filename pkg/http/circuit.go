package http

import (
	"errors"
	"sync"
	"time"
)

// CircuitState is the health the breaker currently assumes for the collector.
type CircuitState int

const (
	// CircuitClosed sends every request.
	CircuitClosed CircuitState = iota
	// CircuitOpen refuses requests until the cool-down has passed.
	CircuitOpen
	// CircuitHalfOpen lets a few probe requests decide whether to close again.
	CircuitHalfOpen
)

var circuitStateNames = [...]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// ErrCircuitOpen is wrapped in the rate-limit signal returned while the
// circuit is open, so the pipeline pauses instead of dropping messages.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker. Zero fields take the
// defaults noted on each.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Default 5.
	FailureThreshold int

	// SuccessThreshold probe successes close a half-open circuit. Default 2.
	SuccessThreshold int

	// Timeout is how long the circuit stays open. Default 30s.
	Timeout time.Duration

	// HalfOpenMaxRequests caps the probes let through while half-open.
	// Default 1.
	HalfOpenMaxRequests int

	// OnStateChange is called on its own goroutine after each transition.
	OnStateChange func(from, to CircuitState)

	// IsFailure decides which errors count against the collector. Nil
	// counts every error.
	IsFailure func(err error) bool
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
}

// CircuitBreaker fails fast while the collector keeps failing. An open
// circuit turns half-open by itself once Timeout has passed since the last
// failure; the next Allow admits the probes.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu          sync.RWMutex
	state       CircuitState
	failures    int // consecutive, while closed
	successes   int // probe successes, while half-open
	probes      int // probes admitted, while half-open
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// effective is the state with an expired open period read as half-open.
// Callers hold mu.
func (cb *CircuitBreaker) effective() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.effective()
}

// OpenRemaining returns how long the circuit stays open, or zero when it is
// not open.
func (cb *CircuitBreaker) OpenRemaining() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.effective() != CircuitOpen {
		return 0
	}
	return cb.cfg.Timeout - cb.now().Sub(cb.lastFailure)
}

// ConsecutiveErrors returns the failures counted since the last success
// while closed.
func (cb *CircuitBreaker) ConsecutiveErrors() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Allow reports whether a request may be sent now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.effective() {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		cb.moveTo(CircuitHalfOpen)
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			return false
		}
		cb.probes++
		return true
	default:
		return false
	}
}

// Record feeds back the outcome of an allowed request; nil is a success.
func (cb *CircuitBreaker) Record(err error) {
	failed := err != nil
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.effective() {
	case CircuitClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.moveTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		if failed {
			cb.lastFailure = cb.now()
			cb.moveTo(CircuitOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.moveTo(CircuitClosed)
		}
	}
}

// moveTo switches state and resets the counters the new state starts from.
// Callers hold mu.
func (cb *CircuitBreaker) moveTo(next CircuitState) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	switch next {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
		cb.probes = 0
	case CircuitHalfOpen:
		cb.successes = 0
		cb.probes = 0
	}
	if fn := cb.cfg.OnStateChange; fn != nil {
		go fn(prev, next)
	}
}
