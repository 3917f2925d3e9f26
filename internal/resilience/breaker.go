// Package resilience guards calls to remote dependencies.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops hammering a dependency after repeated failures. [Group] layers ordered
// failover on top of per-entry breakers, and [LiveFallback] applies that to
// realtime conversation providers.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout passes.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure opens it again.
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

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// BreakerOption configures a [Breaker].
type BreakerOption func(*Breaker)

// WithMaxFailures sets how many consecutive failures open the breaker.
// Default: 5.
func WithMaxFailures(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open. Default: 30s.
func WithResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithHalfOpenMax sets the probe budget of the half-open state. Default: 3.
func WithHalfOpenMax(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.halfOpenMax = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithNeutral marks errors that neither count as failure nor success, such
// as caller cancellation. Default: [context.Canceled].
func WithNeutral(fn func(error) bool) BreakerOption {
	return func(b *Breaker) {
		if fn != nil {
			b.neutral = fn
		}
	}
}

// WithOnStateChange registers a callback invoked after every transition. It
// runs with no lock held.
func WithOnStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time
	neutral      func(error) bool
	onChange     func(name string, from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewBreaker creates a closed [Breaker]. name labels log lines.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:         name,
		maxFailures:  defaultMaxFailures,
		resetTimeout: defaultResetTimeout,
		halfOpenMax:  defaultHalfOpenMax,
		now:          time.Now,
		neutral:      func(err error) bool { return errors.Is(err, context.Canceled) },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open or the half-open probe budget is
// spent, in which case it returns [ErrOpen] without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, ErrOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probes, b.successes = 0, 0
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.probes++
		probe = true
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, StateHalfOpen)
	}
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	if err != nil && b.neutral(err) {
		if probe {
			b.mu.Lock()
			b.probes--
			b.mu.Unlock()
		}
		return
	}

	b.mu.Lock()
	from := b.state
	switch {
	case err != nil && probe:
		b.trip()
	case err != nil:
		b.failures++
		if b.state == StateClosed && b.failures >= b.maxFailures {
			b.trip()
		}
	case probe:
		b.successes++
		if b.state == StateHalfOpen && b.successes >= b.halfOpenMax {
			b.state = StateClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = b.maxFailures
}

func (b *Breaker) notify(from, to State) {
	lvl := slog.LevelInfo
	if to == StateOpen {
		lvl = slog.LevelWarn
	}
	slog.Log(context.Background(), lvl, "resilience: breaker state changed",
		"name", b.name, "from", from.String(), "to", to.String())
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.probes, b.successes = 0, 0, 0
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}
