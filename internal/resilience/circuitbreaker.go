// Package resilience provides the circuit breaker that guards outbound audio
// sends to the conversion server.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open). While open, callers on the real-time capture
// path can ask [CircuitBreaker.Allow] and drop a frame immediately instead
// of queueing it behind a write that is known to be failing.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] and
// [CircuitBreaker.Allow] while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they
	// succeed the breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 10.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 2s. Audio is only useful while fresh, so the breaker probes
	// again quickly.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted in the half-open
	// state; all of them must succeed to close the breaker. Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker unlocked and must not block.
	OnStateChange func(from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 2 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Allow reports whether a call would currently be admitted, without
// reserving a probe slot. It returns [ErrCircuitOpen] while the breaker is
// open and the reset timeout has not elapsed.
func (cb *CircuitBreaker) Allow() error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var transition func()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		transition = cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			runTransition(transition)
			return ErrCircuitOpen
		}
	}
	probing := cb.state == StateHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()
	runTransition(transition)

	err := fn()

	cb.mu.Lock()
	if err != nil {
		transition = cb.recordFailure(probing)
	} else {
		transition = cb.recordSuccess(probing)
	}
	cb.mu.Unlock()
	runTransition(transition)
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probing bool) func() {
	if probing {
		return cb.setState(StateOpen)
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		return cb.setState(StateOpen)
	}
	return nil
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probing bool) func() {
	if !probing {
		cb.consecutiveFail = 0
		return nil
	}
	cb.probeSuccesses++
	if cb.probeSuccesses >= cb.halfOpenMax {
		return cb.setState(StateClosed)
	}
	return nil
}

// setState changes state, resets the per-state counters and returns the
// notification to run once cb.mu is released. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.probes = 0
	cb.probeSuccesses = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened", "name", cb.name, "from", from, "consecutive_failures", cb.consecutiveFail)
	case StateHalfOpen:
		slog.Info("circuit breaker probing", "name", cb.name)
	case StateClosed:
		cb.consecutiveFail = 0
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}

func runTransition(fn func()) {
	if fn != nil {
		fn()
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transition := cb.setState(StateClosed)
	cb.consecutiveFail = 0
	cb.mu.Unlock()
	runTransition(transition)
}
