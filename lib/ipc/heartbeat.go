// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docket-project/docket/lib/clock"
)

// HeartbeatConfig tunes the adaptive health emission. The emitter
// checks health at Interval but only sends when something changed or
// MaxSilence elapsed since the last send, so a quiet bridge costs a
// comparison, not a frame.
type HeartbeatConfig struct {
	// Interval is the health check cadence. Default 2s.
	Interval time.Duration

	// MaxSilence forces an emission even without changes, so the
	// consumer's staleness tracking has a bounded signal gap.
	// Default 30s.
	MaxSilence time.Duration

	// Collect produces the current health. Required for emission;
	// nil disables the emitter.
	Collect func() Health
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = 30 * time.Second
	}
	return c
}

// heartbeatEmitter drives adaptive health emission for one
// connection.
type heartbeatEmitter struct {
	config HeartbeatConfig
	clock  clock.Clock
	logger *slog.Logger
	send   func(Health) error

	last     Health
	lastSent time.Time
	sentAny  bool
}

// run emits until ctx is done or a send fails. A send failure ends
// the emitter; the connection teardown path owns reconnection.
func (e *heartbeatEmitter) run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		health := e.config.Collect()
		now := e.clock.Now()
		changed := !e.sentAny || health != e.last
		overdue := e.sentAny && now.Sub(e.lastSent) >= e.config.MaxSilence
		if !changed && !overdue {
			continue
		}
		if err := e.send(health); err != nil {
			e.logger.Debug("heartbeat send failed", "error", err)
			return
		}
		e.last = health
		e.lastSent = now
		e.sentAny = true
	}
}

// HealthMonitor tracks heartbeat receipt on the consumer side.
// Staleness beyond the threshold is a health fault surfaced to the
// caller, never a hard failure of the channel.
type HealthMonitor struct {
	clock      clock.Clock
	staleAfter time.Duration

	mu       sync.Mutex
	last     Health
	lastSeen time.Time
	seen     bool
	started  time.Time
}

// NewHealthMonitor builds a monitor. A nil clk uses the real clock;
// staleAfter <= 0 defaults to 90s.
func NewHealthMonitor(staleAfter time.Duration, clk clock.Clock) *HealthMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	return &HealthMonitor{
		clock:      clk,
		staleAfter: staleAfter,
		started:    clk.Now(),
	}
}

// Observe records a received heartbeat.
func (m *HealthMonitor) Observe(h Health) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = h
	m.lastSeen = m.clock.Now()
	m.seen = true
}

// Reset restarts the staleness baseline, called after reconnect so a
// fresh connection is not instantly stale.
func (m *HealthMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = m.clock.Now()
	m.seen = false
	m.last = Health{}
	m.lastSeen = time.Time{}
}

// Last returns the most recent health, when it arrived, and whether
// any heartbeat has been seen since the last reset.
func (m *HealthMonitor) Last() (Health, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastSeen, m.seen
}

// Stale reports whether the silence since the last heartbeat (or
// since the baseline, when none arrived yet) exceeds the threshold.
func (m *HealthMonitor) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	reference := m.started
	if m.seen {
		reference = m.lastSeen
	}
	return m.clock.Now().Sub(reference) > m.staleAfter
}
