// Package breaker implements a circuit breaker that guards repeated
// attempts against a failing dependency.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/tetherhq/tether/internal/scheduler"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed allows all attempts.
	StateClosed State = "closed"
	// StateOpen rejects all attempts until the recovery window elapses.
	StateOpen State = "open"
	// StateHalfOpen allows a probe attempt after the recovery window.
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow when the breaker is rejecting attempts.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker. Defaults to 5.
	FailureThreshold int
	// RecoveryWindow is how long the breaker stays open before permitting
	// a probe attempt. Defaults to 30s.
	RecoveryWindow time.Duration
	// Clock is the time source. Defaults to the real clock.
	Clock scheduler.Clock
}

// Breaker tracks consecutive failures and gates attempts accordingly.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	threshold   int
	window      time.Duration
	clock       scheduler.Clock
}

// New creates a circuit breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = scheduler.NewRealClock()
	}
	return &Breaker{
		state:     StateClosed,
		threshold: cfg.FailureThreshold,
		window:    cfg.RecoveryWindow,
		clock:     cfg.Clock,
	}
}

// Allow reports whether an attempt may proceed. While open it returns
// ErrOpen until the recovery window has elapsed, at which point the breaker
// moves to half-open and permits a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailure) < b.window {
			return ErrOpen
		}
		b.state = StateHalfOpen
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the failure count. A success while half-open closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
}

// RecordFailure increments the consecutive failure count. Reaching the
// threshold, or any failure while half-open, opens the breaker and restarts
// the recovery window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.clock.Now()

	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
