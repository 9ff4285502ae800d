// Package circuitbreaker guards the persistence collaborator. When the
// database is down, every commit from every session would otherwise wait out
// a full query timeout inside its own session loop; the breaker converts that
// into an immediate save_failed for the author.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	Closed   State = iota // Normal operation — calls pass through.
	Open                  // Failing — calls are rejected immediately.
	HalfOpen              // Testing recovery — one probe allowed through.
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker opens after maxFailures consecutive errors and lets a single probe
// through once resetTimeout has elapsed.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	resetAfter  time.Duration
	openedAt    time.Time
	probing     bool
}

// New creates a Breaker.
func New(maxFailures int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		state:       Closed,
		maxFailures: maxFailures,
		resetAfter:  resetTimeout,
	}
}

// Execute runs fn through the breaker. While the circuit is open, or while
// another caller's half-open probe is in flight, ErrCircuitOpen is returned
// without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.openedAt) <= b.resetAfter {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.probing = true
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err != nil {
		b.failures++
		if b.state == HalfOpen || b.failures >= b.maxFailures {
			b.state = Open
			b.openedAt = time.Now()
		}
		return err
	}

	b.failures = 0
	b.state = Closed
	return nil
}

// CurrentState returns the current state of the breaker.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
