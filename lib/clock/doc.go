// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now
// or time.NewTicker directly. Real() gives the standard library
// behavior; Fake() gives a deterministic clock that advances only when
// Advance is called.
//
// In chainfs the clock stamps inode create/modify times and drives the
// freemap reclaim sweep: a test can release blocks, advance the fake
// clock past the configured retention window, and observe reclamation
// without sleeping.
//
// When a goroutine registers a ticker on a FakeClock, use WaitForTimers
// to block until the registration lands before calling Advance. That
// removes the race between ticker creation and time advancement that
// plagues tests built on time.Sleep.
package clock
