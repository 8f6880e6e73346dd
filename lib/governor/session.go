// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package governor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/docket-project/docket/lib/clock"
)

// FailedStep is the session record of the most recent failed step. It
// backs on-failure approval mode: a rerun of the exact step is the
// one retry that skips the prompt.
type FailedStep struct {
	Argv       []string  `json:"argv"`
	WorkingDir string    `json:"working_dir"`
	ExitCode   int       `json:"exit_code"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`

	// Acked marks the allowance as consumed. Set once the retry has
	// run, whatever its outcome.
	Acked bool `json:"acked"`
}

// sessionState is the persisted form.
type sessionState struct {
	StartedAt  time.Time   `json:"started_at"`
	NoLog      bool        `json:"no_log"`
	LastFailed *FailedStep `json:"last_failed,omitempty"`
}

// Session tracks agent state that outlives a single command: the
// retry allowance for on-failure mode and the no-log privacy flag.
// State is advisory; it gates convenience behavior, never safety, so
// a missing or unreadable file yields a fresh session rather than a
// startup failure.
type Session struct {
	path  string
	clock clock.Clock

	mu    sync.Mutex
	state sessionState
}

// OpenSession loads session state from path, or starts fresh when the
// file is missing or unreadable. An empty path keeps the session in
// memory only.
func OpenSession(path string, clk clock.Clock) (*Session, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Session{
		path:  path,
		clock: clk,
		state: sessionState{StartedAt: clk.Now()},
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, nil
	}
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return s, nil
	}
	if state.StartedAt.IsZero() {
		state.StartedAt = clk.Now()
	}
	s.state = state
	return s, nil
}

// NoLog reports whether the session is in no-log mode. Ledger entries
// written while it is set are presence-only.
func (s *Session) NoLog() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.NoLog
}

// SetNoLog switches no-log mode and persists the change.
func (s *Session) SetNoLog(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.NoLog = enabled
	return s.save()
}

// RecordFailure stores the step as the session's most recent failure,
// replacing any earlier record. In no-log mode nothing is stored:
// privacy wins over retry convenience.
func (s *Session) RecordFailure(argv []string, workingDir string, exitCode int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.NoLog {
		return nil
	}
	s.state.LastFailed = &FailedStep{
		Argv:       slices.Clone(argv),
		WorkingDir: workingDir,
		ExitCode:   exitCode,
		Reason:     reason,
		FailedAt:   s.clock.Now(),
	}
	return s.save()
}

// RetryOf reports whether the step exactly matches the unconsumed
// last failure. Matching is strict: same argv, same working dir.
func (s *Session) RetryOf(argv []string, workingDir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.state.LastFailed
	if last == nil || last.Acked {
		return false
	}
	return last.WorkingDir == workingDir && slices.Equal(last.Argv, argv)
}

// AckFailure consumes the retry allowance.
func (s *Session) AckFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LastFailed == nil || s.state.LastFailed.Acked {
		return nil
	}
	s.state.LastFailed.Acked = true
	return s.save()
}

// LastFailure returns a copy of the unconsumed failure record, or nil
// when there is none.
func (s *Session) LastFailure() *FailedStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LastFailed == nil || s.state.LastFailed.Acked {
		return nil
	}
	copied := *s.state.LastFailed
	copied.Argv = slices.Clone(copied.Argv)
	return &copied
}

// StartedAt reports when the session began.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.StartedAt
}

// save writes the state atomically: temporary file, fsync, rename.
// Readers never see a partial write. Callers hold s.mu.
func (s *Session) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("governor: marshaling session state: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := s.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("governor: creating temporary session file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("governor: writing session file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("governor: syncing session file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("governor: closing session file: %w", err)
	}
	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("governor: renaming session file: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
