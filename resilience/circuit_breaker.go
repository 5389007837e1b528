package resilience

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Timeout is how long the circuit stays open before a half-open trial call is allowed
	Timeout time.Duration

	// MaxConcurrentRequests is the max trial calls allowed in the half-open state
	MaxConcurrentRequests int

	// SuccessThreshold is the number of consecutive half-open successes needed to close
	SuccessThreshold int

	// Clock is used for the open timeout. Defaults to the real clock.
	Clock clockwork.Clock

	// OnStateChange, if set, is called after every transition, outside the lock.
	OnStateChange func(from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns a configuration tuned for a cache tier:
// trip quickly, retry after a few seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:           5,
		Timeout:               5 * time.Second,
		MaxConcurrentRequests: 1,
		SuccessThreshold:      1,
	}
}

// CircuitBreaker tracks consecutive failures of a dependency and rejects
// calls while the dependency is considered down.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  clockwork.Clock

	mu          sync.Mutex
	state       CircuitBreakerState
	generation  uint64
	failures    int
	successes   int
	trials      int
	lastFailure time.Time
}

// Ticket is returned by Allow and identifies the state the call was
// admitted in. Outcomes reported for a ticket issued before the last state
// change are ignored, so a slow call started while closed cannot count as
// a half-open trial call.
type Ticket struct {
	generation uint64
	trial      bool
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{config: config, clock: clock, state: StateClosed}
}

// Allow reports whether a call may proceed. Every admitted call must be
// followed by exactly one RecordSuccess or RecordFailure with its ticket.
func (cb *CircuitBreaker) Allow() (Ticket, error) {
	cb.mu.Lock()
	var from CircuitBreakerState
	changed := false
	trial := false
	switch cb.state {
	case StateOpen:
		if cb.clock.Since(cb.lastFailure) < cb.config.Timeout {
			cb.mu.Unlock()
			return Ticket{}, ErrCircuitBreakerOpen
		}
		from, changed = cb.state, true
		cb.setStateLocked(StateHalfOpen)
		cb.trials, trial = 1, true
	case StateHalfOpen:
		if cb.trials >= cb.config.MaxConcurrentRequests {
			cb.mu.Unlock()
			return Ticket{}, ErrCircuitBreakerOpen
		}
		cb.trials++
		trial = true
	}
	ticket := Ticket{generation: cb.generation, trial: trial}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return ticket, nil
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess(t Ticket) {
	cb.mu.Lock()
	if t.generation != cb.generation {
		cb.mu.Unlock()
		return
	}
	from := cb.state
	switch {
	case cb.state == StateClosed:
		cb.failures = 0
	case cb.state == StateHalfOpen && t.trial:
		cb.trials--
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setStateLocked(StateClosed)
		}
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure(t Ticket) {
	cb.mu.Lock()
	if t.generation != cb.generation {
		cb.mu.Unlock()
		return
	}
	from := cb.state
	cb.failures++
	cb.lastFailure = cb.clock.Now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

// setStateLocked must be called with mu held.
func (cb *CircuitBreaker) setStateLocked(state CircuitBreakerState) {
	cb.state = state
	cb.generation++
	switch state {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.trials = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.trials = 0
	case StateOpen:
		cb.successes = 0
		cb.trials = 0
		cb.lastFailure = cb.clock.Now()
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setStateLocked(StateClosed)
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// CircuitBreakerStats is a point-in-time view of the breaker.
type CircuitBreakerStats struct {
	State     CircuitBreakerState
	Failures  int
	Successes int
	Trials    int
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		Trials:    cb.trials,
	}
}
