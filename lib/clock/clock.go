// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the pieces of docket that schedule
// or measure it: retry backoff, circuit-breaker cool-downs, heartbeat
// cadence, housekeeping sweeps. Production code injects Real(); tests
// inject a Fake whose time only moves when Advance is called, so timing
// behavior is asserted deterministically instead of with real sleeps.
package clock

import "time"

// Clock is the time surface docket components depend on instead of the
// time package. Any function that would call time.Now, time.After,
// time.AfterFunc, time.NewTicker, or time.Sleep takes a Clock (or is a
// method on a struct carrying one).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the fire time once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f after d and returns a Timer whose Stop
	// cancels the pending call. The Timer's C is nil, matching
	// time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. C has capacity 1; a slow
// consumer drops ticks rather than queueing them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed and receives nothing
// further.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the cycle; the next tick
// arrives after the new duration.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a single scheduled event. Timers returned by AfterFunc have
// a nil C.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented a
// pending fire.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer for duration d. It reports whether the timer
// was still active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop, reset: timer.Reset}
}

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
