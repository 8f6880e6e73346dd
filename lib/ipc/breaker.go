// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"
	"sync"
	"time"

	"github.com/docket-project/docket/lib/clock"
)

// BreakerState is the circuit breaker position.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts failures.
	BreakerClosed BreakerState = iota

	// BreakerOpen fails calls fast without attempting I/O.
	BreakerOpen

	// BreakerHalfOpen allows a single trial call after the cool-down.
	BreakerHalfOpen
)

// String returns the stable wire/ledger form.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s BreakerState) MarshalText() ([]byte, error) {
	if s < BreakerClosed || s > BreakerHalfOpen {
		return nil, fmt.Errorf("ipc: cannot marshal invalid breaker state %d", int(s))
	}
	return []byte(s.String()), nil
}

// BreakerConfig tunes a circuit breaker. Zero fields take defaults.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens
	// the breaker. Default 5.
	FailureThreshold int

	// Cooldown is the initial open interval before a trial call is
	// allowed. Default 30s.
	Cooldown time.Duration

	// MaxCooldown caps the cool-down as repeated trial failures
	// extend it. Default 5m.
	MaxCooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 5 * time.Minute
	}
	return c
}

// Breaker is a consecutive-failure circuit breaker. After the
// threshold is reached it fails fast for a cool-down window, then
// admits one trial call: success closes it, failure reopens it with
// the cool-down doubled up to the cap.
//
// A Breaker is process-wide state, initialized at startup and safe
// for concurrent use.
type Breaker struct {
	config BreakerConfig
	clock  clock.Clock

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	trialInFlight       bool
}

// BreakerSnapshot is a point-in-time view for status reporting.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`

	// OpenedAt is Unix milliseconds, zero while closed.
	OpenedAt int64 `json:"opened_at,omitempty"`
}

// NewBreaker builds a breaker. A nil clk uses the real clock.
func NewBreaker(config BreakerConfig, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	config = config.withDefaults()
	return &Breaker{
		config:   config,
		clock:    clk,
		cooldown: config.Cooldown,
	}
}

// Allow reports whether a call may proceed. While open it returns a
// circuit_open error without attempting I/O; once the cool-down
// elapses it admits exactly one trial call in the half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		elapsed := b.clock.Now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return NewError(CodeCircuitOpen, "",
				"circuit open for another %s after %d consecutive failures",
				(b.cooldown - elapsed).Round(time.Millisecond), b.consecutiveFailures)
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		return nil
	default:
		if b.trialInFlight {
			return NewError(CodeCircuitOpen, "", "trial call already in flight")
		}
		b.trialInFlight = true
		return nil
	}
}

// Success records a successful call, closing the breaker and
// restoring the initial cool-down.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.cooldown = b.config.Cooldown
	b.trialInFlight = false
	b.openedAt = time.Time{}
}

// Failure records a failed call. In the closed state it opens the
// breaker once the threshold is reached; a failed half-open trial
// reopens it and extends the cool-down.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.clock.Now()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
		b.trialInFlight = false
		b.cooldown = min(b.cooldown*2, b.config.MaxCooldown)
	}
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view for status reporting.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if !b.openedAt.IsZero() {
		snap.OpenedAt = b.openedAt.UnixMilli()
	}
	return snap
}
