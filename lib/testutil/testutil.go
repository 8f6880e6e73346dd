// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared helpers for docket package tests:
// channel operations with timeout safety valves and short-path socket
// directories.
package testutil

import (
	"fmt"
	"os"
	"testing"
	"time"
)

// failer is the subset of testing.TB the helpers need. Taking the
// interface keeps them usable from both tests and benchmarks.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test. Use it instead of a bare channel read so a regression hangs for
// a bounded time with a message instead of wedging the test binary.
//
//	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for result")
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireSend sends v on ch within timeout, or fails the test.
func RequireSend[T any](t failer, ch chan<- T, v T, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v sending: %s", timeout, formatMessage(msgAndArgs))
	}
}

// RequireClosed waits for ch to close (or deliver) within timeout, or
// fails the test. Use it for readiness channels that signal by closing.
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, formatMessage(msgAndArgs))
	}
}

// SocketDir creates a short-named temporary directory for Unix domain
// sockets and removes it when the test completes.
//
// Socket paths are limited to 108 bytes (sun_path), and t.TempDir can
// sit under deeply nested runner paths that blow past that, so this
// creates directly under /tmp.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "docket-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

// formatMessage renders the trailing message arguments: a lone string,
// a format string plus args, or anything else via %v.
func formatMessage(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return "(no message)"
	case 1:
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
