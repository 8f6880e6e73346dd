// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner executes approved commands. Commands are argv
// vectors, never shell strings; each runs in its own process group so
// cancellation reaches every descendant, and output is captured with
// hard caps so a runaway command cannot exhaust memory.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Step is one command to execute.
type Step struct {
	// Argv is the command and its arguments. Argv[0] is resolved via
	// PATH. Required.
	Argv []string

	// WorkingDir pins the command's working directory. Empty means
	// the runner process's own.
	WorkingDir string

	// Env adds variables on top of the inherited environment.
	Env map[string]string

	// Timeout overrides the configured default for this step.
	Timeout time.Duration
}

// Result is the outcome of one executed step. Exactly one of the
// terminal shapes holds: a real exit code, Canceled, or TimedOut.
type Result struct {
	// ExitCode is the command's exit status: 0 on success, the
	// command's own code on failure, 124 on timeout, -1 when
	// canceled or killed by an unexpected signal.
	ExitCode int

	// Stdout and Stderr carry the captured text with ANSI escapes
	// stripped and invalid UTF-8 replaced. A stream that exceeded
	// the cap ends with a "[truncated N bytes]" marker; a stream
	// containing binary data is replaced by a
	// "[binary output: N bytes]" stub.
	Stdout string
	Stderr string

	Duration time.Duration

	// Truncated reports that at least one stream was cut.
	Truncated bool

	// Canceled reports that the caller's context ended the step.
	Canceled bool

	// TimedOut reports that the step's own deadline ended it.
	TimedOut bool
}

// Config tunes the runner. Zero values get working defaults.
type Config struct {
	// DefaultTimeout applies to steps without their own. Defaults
	// to 5m.
	DefaultTimeout time.Duration

	// GracePeriod is how long a canceled process group has between
	// SIGTERM and SIGKILL. Defaults to 3s.
	GracePeriod time.Duration

	// MaxOutputBytes caps each captured stream. Defaults to 1 MiB.
	MaxOutputBytes int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 3 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Runner executes steps. Safe for concurrent use.
type Runner struct {
	config Config
	logger *slog.Logger
}

// New returns a runner with the given configuration.
func New(cfg Config) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{config: cfg, logger: cfg.Logger}
}

// Run executes one step and waits for it to finish. An error is
// returned only when the command could not be started at all;
// everything after a successful start is reported through the Result.
func (r *Runner) Run(ctx context.Context, step Step) (Result, error) {
	if len(step.Argv) == 0 {
		return Result{}, errors.New("runner: empty argv")
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, step.Argv[0], step.Argv[1:]...)
	cmd.Dir = step.WorkingDir

	stdout := &capBuffer{limit: r.config.MaxOutputBytes}
	stderr := &capBuffer{limit: r.config.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Own process group: signals reach the command and everything it
	// spawned (negative PID targets the group).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	grace := r.config.GracePeriod
	cmd.Cancel = func() error {
		processGroupID := -cmd.Process.Pid
		if err := syscall.Kill(processGroupID, syscall.SIGTERM); err != nil {
			// SIGTERM failed (group already gone), escalate.
			return syscall.Kill(processGroupID, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// Best-effort: ESRCH from a dead group is harmless.
			_ = syscall.Kill(processGroupID, syscall.SIGKILL)
		}()
		return nil
	}

	// Orphaned grandchildren can hold the output pipes open past the
	// group kill; WaitDelay forces Wait to return anyway.
	cmd.WaitDelay = grace + time.Second

	if len(step.Env) > 0 {
		cmd.Env = os.Environ()
		for name, value := range step.Env {
			cmd.Env = append(cmd.Env, name+"="+value)
		}
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := Result{Duration: duration}
	var stdoutTruncated, stderrTruncated bool
	result.Stdout, stdoutTruncated = stdout.finalize()
	result.Stderr, stderrTruncated = stderr.finalize()
	result.Truncated = stdoutTruncated || stderrTruncated

	var exitError *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0

	case errors.As(err, &exitError):
		result.ExitCode = exitError.ExitCode()
		if ctx.Err() != nil {
			result.Canceled = true
			result.ExitCode = -1
		} else if stepCtx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = 124
		}

	default:
		// The command never started. Cancellation before start still
		// reports as a result, anything else is the caller's error.
		if ctx.Err() != nil {
			result.Canceled = true
			result.ExitCode = -1
			return result, nil
		}
		if stepCtx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = 124
			return result, nil
		}
		return result, fmt.Errorf("runner: start %q: %w", step.Argv[0], err)
	}

	r.logger.Debug("step finished",
		"argv0", step.Argv[0],
		"exit_code", result.ExitCode,
		"duration", duration,
		"truncated", result.Truncated,
		"canceled", result.Canceled)
	return result, nil
}

// capBuffer keeps the first limit bytes of a stream, counts the rest,
// and remembers whether the stream carried binary data. Each instance
// is written by exactly one pipe-copy goroutine.
type capBuffer struct {
	limit   int
	buf     bytes.Buffer
	dropped int64
	binary  bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if !b.binary && bytes.IndexByte(p, 0) >= 0 {
		b.binary = true
	}
	if remain := b.limit - b.buf.Len(); remain > 0 {
		keep := min(remain, len(p))
		b.buf.Write(p[:keep])
		b.dropped += int64(len(p) - keep)
	} else {
		b.dropped += int64(len(p))
	}
	return len(p), nil
}

// finalize renders the captured stream for storage: binary stub, or
// cleaned text with a truncation marker.
func (b *capBuffer) finalize() (string, bool) {
	total := int64(b.buf.Len()) + b.dropped
	if b.binary {
		return fmt.Sprintf("[binary output: %d bytes]", total), false
	}
	text := ansi.Strip(b.buf.String())
	text = strings.ToValidUTF8(text, "�")
	if b.dropped > 0 {
		return fmt.Sprintf("%s\n[truncated %d bytes]", text, b.dropped), true
	}
	return text, false
}
