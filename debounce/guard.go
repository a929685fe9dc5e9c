package debounce

import "runtime"

// Guard is the single-use permission to process one batch, returned by
// Ready. Exactly one finalize happens per Guard:
//
//   - Done acknowledges the batch as fully handled and clears the pending
//     flag until the next Trigger.
//   - Rearm abandons the batch: the gate stays triggered and a fresh
//     cooldown window starts, so a later Ready picks the work up again.
//   - A Guard that becomes unreachable without either call is finalized as
//     if by Rearm, from a cleanup that runs independently of the goroutine
//     that acquired it. A consumer that is cancelled or panics after
//     acquiring a Guard therefore cannot lose the batch.
//
// The typical pattern is `defer guard.Rearm()` followed by `guard.Done()`
// once the work has actually succeeded.
//
// A Guard is owned by the caller of Ready and must not be shared between
// goroutines or used after Done or Rearm returns.
type Guard struct {
	d         *Debouncer
	completed bool
	cleanup   runtime.Cleanup
}

func newGuard(d *Debouncer) *Guard {
	g := &Guard{d: d}
	// The fallback must not capture g itself, or it would never run.
	g.cleanup = runtime.AddCleanup(g, func(d *Debouncer) {
		d.finalize(true)
	}, d)
	return g
}

// Done marks the batch as fully handled. The pending flag clears and the
// cooldown window restarts from now. Done is idempotent; calls after the
// first (or after Rearm) do nothing.
func (g *Guard) Done() {
	if g.completed {
		return
	}
	g.completed = true
	g.cleanup.Stop()
	g.d.finalize(false)
}

// Rearm abandons the batch without handling it. The gate stays triggered
// and a fresh cooldown begins, so the next Ready call waits it out and
// retries. Rearm is idempotent; calls after the first (or after Done) do
// nothing.
func (g *Guard) Rearm() {
	if g.completed {
		return
	}
	g.completed = true
	g.cleanup.Stop()
	g.d.finalize(true)
}
