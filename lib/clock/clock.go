// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the background loops (resource
// polling, idle reaping, audit retention) so their tests can advance
// time deterministically instead of sleeping. Production code injects
// Real(); tests inject Fake() and call Advance.
package clock

import "time"

// Clock is the time source injected into anything that polls,
// schedules, or measures elapsed wall-clock time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has elapsed.
	// A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Stop releases the underlying
// timer; it does not close C. The channel has capacity 1 — a slow
// consumer drops ticks rather than queueing them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No ticks arrive on C after Stop returns.
func (t *Ticker) Stop() { t.stopFunc() }
