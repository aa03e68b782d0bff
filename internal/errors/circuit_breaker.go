package errors

import (
	"errors"
	"sync"
	"time"
)

// Defaults used when BreakerSettings leaves a field at zero.
const (
	DefaultFailureRatio   = 0.5
	DefaultMinRequests    = 10
	DefaultOpenTimeout    = 30 * time.Second
	DefaultHalfOpenProbes = 3
)

// State is the position of a CircuitBreaker.
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
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrTooManyProbes = errors.New("circuit breaker is probing")
)

// BreakerSettings tunes a CircuitBreaker.
type BreakerSettings struct {
	Name           string
	FailureRatio   float64
	MinRequests    int
	OpenTimeout    time.Duration
	HalfOpenProbes int
	// OnStateChange is called outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = DefaultFailureRatio
	}
	if s.MinRequests <= 0 {
		s.MinRequests = DefaultMinRequests
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = DefaultOpenTimeout
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = DefaultHalfOpenProbes
	}
	return s
}

type counts struct {
	requests  int
	failures  int
	successes int
	inFlight  int
}

// CircuitBreaker stops calling a failing dependency. It opens once the failure
// ratio over at least MinRequests calls crosses FailureRatio, and lets
// HalfOpenProbes calls through after OpenTimeout to decide whether to close.
type CircuitBreaker struct {
	settings BreakerSettings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	counts   counts
	openedAt time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	return &CircuitBreaker{
		settings: settings.withDefaults(),
		now:      time.Now,
		state:    StateClosed,
	}
}

// Call runs fn unless the breaker rejects it.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if fn == nil {
		return nil
	}

	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()
	cb.record(err == nil)
	return err
}

// State reports the current position, moving an expired open breaker to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	from, to, changed := cb.expireLocked()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(from, to, changed)
	return state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	from, to, changed := cb.expireLocked()

	var err error
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.counts.requests+cb.counts.inFlight >= cb.settings.HalfOpenProbes {
			err = ErrTooManyProbes
		}
	}
	if err == nil {
		cb.counts.inFlight++
	}
	cb.mu.Unlock()

	cb.notify(from, to, changed)
	return err
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	cb.counts.inFlight--
	cb.counts.requests++
	if success {
		cb.counts.successes++
	} else {
		cb.counts.failures++
	}

	from := cb.state
	switch {
	case cb.state == StateHalfOpen && !success:
		cb.setLocked(StateOpen)
	case cb.state == StateHalfOpen && cb.counts.successes >= cb.settings.HalfOpenProbes:
		cb.setLocked(StateClosed)
	case cb.state == StateClosed && cb.tripLocked():
		cb.setLocked(StateOpen)
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to, from != to)
}

func (cb *CircuitBreaker) tripLocked() bool {
	c := cb.counts
	if c.requests < cb.settings.MinRequests {
		return false
	}
	return float64(c.failures)/float64(c.requests) >= cb.settings.FailureRatio
}

func (cb *CircuitBreaker) expireLocked() (State, State, bool) {
	if cb.state != StateOpen || cb.now().Sub(cb.openedAt) < cb.settings.OpenTimeout {
		return cb.state, cb.state, false
	}
	cb.setLocked(StateHalfOpen)
	return StateOpen, StateHalfOpen, true
}

func (cb *CircuitBreaker) setLocked(to State) {
	cb.state = to
	inFlight := cb.counts.inFlight
	cb.counts = counts{inFlight: inFlight}
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) notify(from, to State, changed bool) {
	if changed && cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}
