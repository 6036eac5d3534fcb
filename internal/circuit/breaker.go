// Package circuit implements the failure/recovery state machine that gates
// every outbound connector call.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// Closed is the normal operating state.
	Closed State = iota
	// Open rejects calls until the reset timeout has elapsed.
	Open
	// HalfOpen lets a trial call through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state as its lower-case name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = Closed
	case "open":
		*s = Open
	case "half_open":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", b)
	}
	return nil
}

// Defaults applied to zero-valued config fields.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open after the last failure.
	ResetTimeout time.Duration
	// OnStateChange is called synchronously under no lock after a transition.
	OnStateChange func(from, to State)
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	resetTimeout     time.Duration
	lastFailureTime  time.Time
	lastStateChange  time.Time
	onStateChange    func(from, to State)
	now              func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		state:            Closed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		onStateChange:    cfg.OnStateChange,
		now:              cfg.Now,
		lastStateChange:  cfg.Now(),
	}
}

// CanExecute reports whether a call may proceed. An open circuit whose reset
// timeout has elapsed moves to half-open and grants the call.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var from State
	allowed, changed := true, false
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.resetTimeout {
			from, changed = b.transition(HalfOpen)
		} else {
			allowed = false
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, HalfOpen)
	}
	return allowed
}

// RecordSuccess clears the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failureCount = 0
	b.successCount++
	var from State
	changed := false
	if b.state == HalfOpen {
		from, changed = b.transition(Closed)
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, Closed)
	}
}

// RecordFailure counts a failure. A half-open circuit reopens immediately; a
// closed one opens once the threshold is reached. Every failure restamps
// lastFailureTime, deferring recovery of an open circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailureTime = b.now()
	var from State
	changed := false
	switch {
	case b.state == HalfOpen:
		from, changed = b.transition(Open)
	case b.state == Closed && b.failureCount >= b.failureThreshold:
		from, changed = b.transition(Open)
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, Open)
	}
}

// Reset forces the circuit closed regardless of its prior state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failureCount = 0
	from, changed := b.transition(Closed)
	b.mu.Unlock()

	if changed {
		b.notify(from, Closed)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time copy of the breaker counters.
type Stats struct {
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	FailureThreshold int       `json:"failure_threshold"`
	ResetTimeout     string    `json:"reset_timeout"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
	LastStateChange  time.Time `json:"last_state_change"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		ResetTimeout:     b.resetTimeout.String(),
		LastFailureTime:  b.lastFailureTime,
		LastStateChange:  b.lastStateChange,
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) (State, bool) {
	from := b.state
	if from == to {
		return from, false
	}
	b.state = to
	b.lastStateChange = b.now()
	return from, true
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
