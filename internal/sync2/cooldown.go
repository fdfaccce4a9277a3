// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package sync2 provides synchronization primitives for the controller.
package sync2

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Cooldown runs a function on demand, at most once per interval.
//
// Trigger marks the cooldown as pending; the Run loop picks the mark up,
// waits out the remainder of the interval since the previous run, and
// invokes the function once. Triggers that arrive while a run is pending
// or in flight coalesce into that single run.
type Cooldown struct {
	clock    clockwork.Clock
	interval time.Duration
	trigger  chan struct{}
}

// NewCooldown creates a Cooldown with the given minimum interval between
// runs. The clock is injected so tests can drive the wait deterministically.
func NewCooldown(clock clockwork.Clock, interval time.Duration) *Cooldown {
	return &Cooldown{
		clock:    clock,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a run. It never blocks; concurrent triggers collapse
// into one pending run.
func (cooldown *Cooldown) Trigger() {
	select {
	case cooldown.trigger <- struct{}{}:
	default:
	}
}

// Run executes fn for every coalesced trigger until ctx is canceled,
// spacing runs at least the configured interval apart. An error from fn
// stops the loop.
func (cooldown *Cooldown) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastRun time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cooldown.trigger:
		}

		if !lastRun.IsZero() {
			if wait := cooldown.interval - cooldown.clock.Since(lastRun); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-cooldown.clock.After(wait):
				}
			}
		}

		if err := fn(ctx); err != nil {
			return err
		}
		lastRun = cooldown.clock.Now()
	}
}
