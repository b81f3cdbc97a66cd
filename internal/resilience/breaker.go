// Package resilience provides the circuit breaker that protects the fraud
// pipeline from hammering a dead inference endpoint.
//
// The breaker is a classic three-state machine (closed → open → half-open).
// An open breaker lets the model gateway short-cut straight to its fail-safe
// degraded result instead of burning the full request timeout on every call.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the breaker is open and the reset
// timeout has not yet elapsed.
var ErrOpen = errors.New("circuit breaker is open")

// BreakerState represents the current operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed is the normal state — calls are forwarded.
	BreakerClosed BreakerState = iota

	// BreakerOpen means the endpoint is presumed dead. Calls are rejected
	// immediately with [ErrOpen] until the reset timeout elapses.
	BreakerOpen

	// BreakerHalfOpen is the probe state after the reset timeout. A limited
	// number of calls pass through; success closes the breaker, failure
	// re-opens it.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the protected endpoint in log messages.
	Name string

	// MaxFailures is the number of consecutive failures before the breaker
	// opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing again.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes required to close the
	// breaker again. Default: 2.
	HalfOpenMax int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewBreaker creates a [Breaker] with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        BreakerClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns [ErrOpen]
// without calling fn. In the half-open state a limited number of probe calls
// are permitted.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = BreakerHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenFails = 0
		slog.Info("circuit breaker transitioning to half-open", "name", b.name)

	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	inHalfOpen := b.state == BreakerHalfOpen
	if inHalfOpen {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(inHalfOpen)
	} else {
		b.recordSuccess(inHalfOpen)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with b.mu held.
func (b *Breaker) recordFailure(inHalfOpen bool) {
	b.lastFailure = time.Now()

	if inHalfOpen {
		b.halfOpenFails++
		// Any failure in half-open immediately re-opens.
		b.state = BreakerOpen
		b.consecutiveFail = b.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", b.name)
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.maxFailures {
		b.state = BreakerOpen
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"consecutive_failures", b.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with b.mu held.
func (b *Breaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		successes := b.halfOpenCalls - b.halfOpenFails
		if successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			slog.Info("circuit breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.consecutiveFail = 0
}

// State returns the current [BreakerState]. If the breaker is open and the
// reset timeout has elapsed, the returned state is [BreakerHalfOpen] (the
// actual transition happens on the next [Breaker.Do] call).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [BreakerClosed], clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
}
