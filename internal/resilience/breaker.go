// Package resilience guards calls to remote collaborators.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is the breaker position.
type State uint32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker is failing fast.
var ErrOpen = errors.New("circuit breaker open")

const (
	DefaultThreshold         = 3
	DefaultResetTimeout      = 15 * time.Second
	DefaultHalfOpenSuccesses = 1
)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Name              string
	Threshold         int           // consecutive failures before opening
	ResetTimeout      time.Duration // wait before a half-open trial call
	HalfOpenSuccesses int           // trial successes needed to close again
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	return c
}

// Breaker fails fast after repeated failures of a remote collaborator.
type Breaker struct {
	cfg         BreakerConfig
	state       atomic.Uint32
	failures    atomic.Int32
	successes   atomic.Int32
	lastFailure atomic.Int64 // unix nano
	hook        func(from, to State)
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	b.state.Store(uint32(Closed))
	return b
}

// OnStateChange registers a transition callback.
func (b *Breaker) OnStateChange(fn func(from, to State)) *Breaker {
	b.hook = fn
	return b
}

// Allow returns nil when a call may proceed.
func (b *Breaker) Allow() error {
	if State(b.state.Load()) != Open {
		return nil
	}
	if b.now().Sub(time.Unix(0, b.lastFailure.Load())) > b.cfg.ResetTimeout {
		b.transition(HalfOpen)
		return nil
	}
	return ErrOpen
}

// Success records a successful call.
func (b *Breaker) Success() {
	switch State(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
	case Closed:
		b.failures.Store(0)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.lastFailure.Store(b.now().UnixNano())
	n := b.failures.Add(1)
	switch State(b.state.Load()) {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if n >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

// State returns the current position.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Reset forces the breaker closed.
func (b *Breaker) Reset() { b.transition(Closed) }

func (b *Breaker) transition(to State) {
	from := State(b.state.Swap(uint32(to)))
	if from == to {
		return
	}
	b.successes.Store(0)
	if to == Closed {
		b.failures.Store(0)
	}
	slog.Info("circuit breaker transition", "breaker", b.cfg.Name, "from", from, "to", to)
	if b.hook != nil {
		b.hook(from, to)
	}
}

// Do runs fn under breaker protection. Context cancellation is not counted as a failure.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	switch {
	case err == nil:
		b.Success()
	case ctx.Err() != nil:
	default:
		b.Failure()
	}
	return v, err
}
