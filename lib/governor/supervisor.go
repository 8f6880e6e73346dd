// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/ledger"
)

// SupervisorConfig tunes the idle-nudge supervisor.
type SupervisorConfig struct {
	// Ledger is the activity source: its last append marks the most
	// recent governed action. Required.
	Ledger *ledger.Ledger

	// IdleAfter is how long the ledger may stay quiet before a nudge.
	// Defaults to 5m.
	IdleAfter time.Duration

	// Poll is the check cadence. Defaults to 30s.
	Poll time.Duration

	// MaxNudges stops Run after this many nudges. Zero never stops.
	MaxNudges int

	// Nudge receives each nudge message. Nil logs at warn level.
	Nudge func(message string)

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger
}

// Supervisor watches the ledger for stalls. When no governed activity
// lands for the configured window it emits a nudge, so a stuck or
// distracted agent session surfaces in the logs instead of idling
// silently.
type Supervisor struct {
	config  SupervisorConfig
	clock   clock.Clock
	logger  *slog.Logger
	nudge   func(string)
	started time.Time
}

// NewSupervisor validates the configuration and builds a supervisor.
// The idle window is measured from construction until the first
// ledger append.
func NewSupervisor(config SupervisorConfig) (*Supervisor, error) {
	if config.Ledger == nil {
		return nil, errors.New("governor: supervisor requires a ledger")
	}
	if config.IdleAfter <= 0 {
		config.IdleAfter = 5 * time.Minute
	}
	if config.Poll <= 0 {
		config.Poll = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Supervisor{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		started: config.Clock.Now(),
	}
	s.nudge = config.Nudge
	if s.nudge == nil {
		s.nudge = func(message string) {
			s.logger.Warn("idle nudge", "message", message)
		}
	}
	return s, nil
}

// NeedsNudge reports whether the ledger has been quiet past the idle
// window.
func (s *Supervisor) NeedsNudge() bool {
	_, idle := s.check()
	return idle
}

// Run polls until ctx is done or MaxNudges have fired. Each poll that
// finds the ledger idle emits one nudge.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.Poll)
	defer ticker.Stop()

	nudges := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			message, idle := s.check()
			if !idle {
				continue
			}
			s.nudge(message)
			nudges++
			if s.config.MaxNudges > 0 && nudges >= s.config.MaxNudges {
				s.logger.Info("supervisor stopping after max nudges", "nudges", nudges)
				return
			}
		}
	}
}

// check measures the quiet interval. Before the first append the
// interval runs from supervisor construction.
func (s *Supervisor) check() (string, bool) {
	health := s.config.Ledger.Health()
	last := s.started
	if health.LastAppendAt != 0 {
		last = time.UnixMilli(health.LastAppendAt)
	}
	age := s.clock.Now().Sub(last)
	if age <= s.config.IdleAfter {
		return "", false
	}
	if health.Appends == 0 {
		return fmt.Sprintf("no governed activity since startup %s ago", age.Round(time.Second)), true
	}
	return fmt.Sprintf("no governed activity for %s (entries so far: %d)",
		age.Round(time.Second), health.Appends), true
}
