// Package circuitbreaker implements a generic circuit breaker used by
// the tool-parser registry (wrapping parseWithFallback). State is
// modeled as a tagged sum rather than an inheritance hierarchy, per the
// three-state machine description in the design notes this codebase
// follows elsewhere.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is returned by Call when the breaker is Open and the wrapped
// function was not invoked.
var ErrOpen = errors.New("circuit breaker open")

// Transition records one state change for the bounded history ring.
type Transition struct {
	From      State
	To        State
	At        time.Time
	Reason    string
	Failures  int
}

// Config configures trip/recovery thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before Closed -> Open
	RecoveryTimeout  time.Duration // Open duration before a HalfOpen trial is admitted
	SuccessThreshold int           // consecutive HalfOpen successes before returning to Closed (trial count is always 1 per admission; this gates across repeated HalfOpen admissions)
	HistorySize      int           // bounded ring size, defaults to 10000
}

// DefaultConfig matches the defaults named in the design: threshold 5,
// recovery 60s, a single HalfOpen trial call.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 1,
		HistorySize:      10000,
	}
}

// Breaker is a single circuit breaker instance guarding one resource.
// All state reads and transitions hold mu; the wrapped function in
// Call is always invoked outside the lock.
type Breaker struct {
	cfg Config

	mu                 sync.Mutex
	state              State
	consecutiveFails   int
	consecutiveSuccess int
	openedAt           time.Time
	halfOpenInFlight   bool
	rejectedCount      int64
	history            []Transition
}

// New creates a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RejectedCount returns the number of calls rejected while Open.
func (b *Breaker) RejectedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectedCount
}

// History returns a copy of the bounded transition log.
func (b *Breaker) History() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transition, len(b.history))
	copy(out, b.history)
	return out
}

// Call invokes fn if the breaker admits the call, recording the
// outcome. It returns ErrOpen without invoking fn when the breaker is
// Open and the recovery timeout has not yet elapsed, or when a
// HalfOpen trial is already in flight.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.admit() {
		return ErrOpen
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// admit decides whether to proceed, transitioning Open -> HalfOpen
// when the recovery timeout has elapsed. It returns false (and bumps
// rejectedCount) when the call must be rejected without running fn.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenInFlight {
			b.rejectedCount++
			return false
		}
		b.halfOpenInFlight = true
		return true
	case Open:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			b.rejectedCount++
			return false
		}
		b.transition(HalfOpen, "recovery timeout elapsed")
		b.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenInFlight = false

	if err == nil {
		b.consecutiveFails = 0
		b.consecutiveSuccess++
		if b.state == HalfOpen && b.consecutiveSuccess >= b.cfg.SuccessThreshold {
			b.transition(Closed, "recovery succeeded")
			b.consecutiveFails = 0
			b.consecutiveSuccess = 0
		}
		return
	}

	b.consecutiveSuccess = 0
	b.consecutiveFails++

	switch b.state {
	case HalfOpen:
		b.transition(Open, "half-open trial failed")
		b.openedAt = time.Now()
	case Closed:
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transition(Open, "consecutive failure threshold reached")
			b.openedAt = time.Now()
		}
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State, reason string) {
	t := Transition{From: b.state, To: to, At: time.Now(), Reason: reason, Failures: b.consecutiveFails}
	b.state = to

	b.history = append(b.history, t)
	if len(b.history) > b.cfg.HistorySize {
		b.history = b.history[len(b.history)-b.cfg.HistorySize:]
	}
}
