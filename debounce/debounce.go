// Package debounce provides a cancel-safe debounce gate for batching work.
//
// Any number of producers call Trigger to signal that work is pending. A
// single consumer calls Ready, which blocks until a quiet period (the
// cooldown) has been satisfied, then returns a Guard granting permission to
// process the accumulated batch. Bursts of triggers coalesce into one
// readiness cycle.
//
// The gate is safe to use inside a select race: cancelling Ready before it
// returns leaves the shared state untouched, and once a Guard has been
// returned, the cycle is finalized exactly once whether the Guard is
// acknowledged, abandoned, or simply forgotten.
package debounce

import (
	"context"
	"sync"
	"time"
)

// Mode selects when a readiness cycle fires relative to a burst of triggers.
type Mode int

const (
	// Leading fires at the start of a burst, then enforces the cooldown
	// before the next cycle. The very first trigger fires immediately.
	Leading Mode = iota

	// Trailing fires after the burst ends: each trigger pushes the window
	// forward, and Ready returns only once a full cooldown has elapsed
	// since the most recent trigger.
	Trailing
)

// String returns the lowercase name of the mode.
func (m Mode) String() string {
	switch m {
	case Leading:
		return "leading"
	case Trailing:
		return "trailing"
	default:
		return "unknown"
	}
}

// debounceState is the mutable record protected by Debouncer.mu.
//
// triggered is the only field producers touch (via Trigger); hasRun and
// lastRun change only inside Trigger's timestamp refresh and finalize.
type debounceState struct {
	triggered bool
	hasRun    bool
	lastRun   time.Time
}

// Debouncer coalesces bursts of triggers into single readiness cycles
// separated by a cooldown. It is shared freely: producers call Trigger from
// any goroutine, while one consumer drives Ready.
//
// The zero value is not usable; use New to create a Debouncer.
type Debouncer struct {
	cooldown time.Duration
	mode     Mode

	mu    sync.Mutex
	state debounceState

	// Size-1 buffered wake channel. A non-blocking send remembers one
	// pending wake even when no goroutine is waiting, so a waiter that
	// arrives after a trigger cannot miss it.
	wake chan struct{}
}

// New creates a Debouncer with the given cooldown and mode.
//
// Leading starts with no run recorded, so the first trigger fires
// immediately. Trailing starts as if a run just happened, so even the first
// cycle waits out a full cooldown of silence.
func New(cooldown time.Duration, mode Mode) *Debouncer {
	return &Debouncer{
		cooldown: cooldown,
		mode:     mode,
		state: debounceState{
			hasRun:  mode == Trailing,
			lastRun: time.Now(),
		},
		wake: make(chan struct{}, 1),
	}
}

// Trigger marks work as pending. It never blocks and may be called from any
// goroutine. Triggers arriving while a batch is already pending coalesce
// into the existing cycle; in Trailing mode each one still pushes the
// cooldown window forward.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.mode == Trailing {
		d.state.lastRun = time.Now()
	}
	if d.state.triggered {
		d.mu.Unlock()
		return
	}
	d.state.triggered = true
	d.mu.Unlock()
	d.wakeOne()
}

// Ready blocks until the pending batch may be processed and returns a Guard
// for it. If no batch is pending, Ready waits for the next Trigger.
//
// Ready is cancel-safe: it does not mutate shared state, so if ctx is
// cancelled before a Guard is returned, the gate is exactly as it was and
// another Ready call may pick the batch up later. Once a Guard is returned,
// it alone carries responsibility for finalizing the cycle.
//
// At most one consumer should drive Ready at a time; concurrent calls exist
// only to be raced against each other, not as independent subscribers.
func (d *Debouncer) Ready(ctx context.Context) (*Guard, error) {
	for {
		d.mu.Lock()
		if !d.state.triggered {
			d.mu.Unlock()
			select {
			case <-d.wake:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		now := time.Now()
		nextAllowed := d.state.lastRun.Add(d.cooldown)
		ready := !now.Before(nextAllowed)
		if d.mode == Leading && !d.state.hasRun {
			ready = true
		}
		d.mu.Unlock()

		if ready {
			return newGuard(d), nil
		}

		// Not ready yet: sleep out the remaining cooldown, then re-check.
		// In Trailing mode a trigger may have pushed lastRun forward by
		// the time the timer fires; the loop re-evaluates under the lock.
		timer := time.NewTimer(nextAllowed.Sub(now))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// IsTriggered reports whether a batch is currently pending. It is a
// diagnostic snapshot for tests and observability; the value may be stale by
// the time the caller acts on it.
func (d *Debouncer) IsTriggered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.triggered
}

// finalize resolves the current readiness cycle. pending decides whether the
// gate re-arms immediately (the batch was not handled) or clears until the
// next Trigger. Only the first finalize of a cycle has any effect: once
// triggered has been consumed, stale finalizes are no-ops.
func (d *Debouncer) finalize(pending bool) {
	d.mu.Lock()
	if !d.state.triggered {
		d.mu.Unlock()
		return
	}
	d.state.hasRun = true
	d.state.triggered = pending
	d.state.lastRun = time.Now()
	d.mu.Unlock()
	d.wakeOne()
}

// wakeOne wakes at most one waiter without blocking. If the buffer already
// holds a wake, the new one is redundant and dropped.
func (d *Debouncer) wakeOne() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
