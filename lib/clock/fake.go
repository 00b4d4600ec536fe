// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.tickersChanged = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a deterministic Clock for testing. Tickers fire only
// when Advance moves the clock past their deadline, once per elapsed
// interval, in deadline order.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	tickers        []*fakeTicker
	tickersChanged *sync.Cond
}

type fakeTicker struct {
	deadline time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker returns a Ticker whose ticks are driven by Advance.
// Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{
		deadline: c.current.Add(d),
		interval: d,
		channel:  make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, ticker)
	c.tickersChanged.Broadcast()

	return &Ticker{
		C: ticker.channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ticker.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires every ticker whose
// deadline falls within the new time, once per elapsed interval in
// deadline order. Sends are non-blocking: ticks that overflow the
// channel buffer are dropped, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		toFire := c.collectExpired(target)
		if len(toFire) == 0 {
			return
		}
		sort.Slice(toFire, func(i, j int) bool {
			return toFire[i].deadline.Before(toFire[j].deadline)
		})
		for _, ticker := range toFire {
			select {
			case ticker.channel <- target:
			default:
			}
		}
	}
}

// collectExpired reschedules expired tickers one interval forward and
// returns them, dropping stopped tickers from the pending list.
func (c *FakeClock) collectExpired(target time.Time) []*fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toFire []*fakeTicker
	var remaining []*fakeTicker
	for _, ticker := range c.tickers {
		if ticker.stopped {
			continue
		}
		if !ticker.deadline.After(target) {
			toFire = append(toFire, ticker)
			ticker.deadline = ticker.deadline.Add(ticker.interval)
		}
		remaining = append(remaining, ticker)
	}
	c.tickers = remaining
	return toFire
}

// WaitForTimers blocks until at least n tickers are registered and
// running. It closes the race between a goroutine creating its ticker
// and the test advancing the clock.
//
//	go allocator.StartSweep(...)
//	fakeClock.WaitForTimers(1) // sweep ticker is registered
//	fakeClock.Advance(interval)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeCountLocked() < n {
		c.tickersChanged.Wait()
	}
}

func (c *FakeClock) activeCountLocked() int {
	count := 0
	for _, ticker := range c.tickers {
		if !ticker.stopped {
			count++
		}
	}
	return count
}
