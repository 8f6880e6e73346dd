// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only through
// Advance, which fires every registered timer, ticker, and sleep whose
// deadline the advance crosses, in deadline order.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is the deterministic Clock used in tests. It is safe for
// concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance. Calling Sleep
// or Advance from inside such a callback deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*waiter
	registered *sync.Cond
}

// waiter is one pending After/AfterFunc/Ticker/Sleep registration.
type waiter struct {
	deadline time.Time

	// Exactly one of ch and fn is set: ch receives the fire time for
	// After, Sleep, and Ticker registrations; fn runs for AfterFunc.
	ch chan time.Time
	fn func()

	// period is non-zero for tickers, which reschedule at
	// deadline+period after firing.
	period time.Duration

	stopped bool
	fired   bool
}

var _ Clock = (*FakeClock)(nil)

// Now returns the frozen current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot waiter. A non-positive d delivers
// immediately without registering anything.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &waiter{deadline: c.now.Add(d), ch: ch})
	c.registered.Broadcast()
	return ch
}

// AfterFunc registers f to run once the clock advances past d. With
// d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, w)
	c.registered.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.stopped && !w.fired
			w.stopped = false
			w.fired = false
			w.deadline = c.now.Add(d)
			if !active {
				// The waiter was dropped from pending after firing;
				// re-register it.
				c.pending = append(c.pending, w)
				c.registered.Broadcast()
			}
			return active
		},
	}
}

// NewTicker registers a repeating waiter. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), ch: ch, period: d}
	c.pending = append(c.pending, w)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.period = d
			w.deadline = c.now.Add(d)
			w.stopped = false
		},
	}
}

// Sleep blocks until Advance moves the clock past the deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires everything whose
// deadline falls within the new time, in deadline order. Channel sends
// are non-blocking (a full buffer drops the tick, matching
// time.Ticker); AfterFunc callbacks run synchronously in the calling
// goroutine. Tickers spanning several periods fire once per period.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes waiters due at or before target from the pending
// list, reschedules tickers, and returns the due set.
func (c *FakeClock) takeDue(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*waiter
	for _, w := range c.pending {
		switch {
		case w.stopped:
			// Dropped.
		case !w.deadline.After(target):
			due = append(due, w)
		default:
			keep = append(keep, w)
		}
	}
	for _, w := range due {
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}
	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n waiters are registered and not
// yet fired. It closes the race between a goroutine under test
// registering its timer and the test advancing the clock:
//
//	go func() { breaker.Call(...) }()
//	fake.WaitForTimers(1) // backoff timer registered
//	fake.Advance(time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, w := range c.pending {
		if !w.stopped {
			n++
		}
	}
	return n
}
