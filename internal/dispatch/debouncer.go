// Package dispatch owns the per-customer linearization pipeline: the
// debounce scheduler that decides when a batch is ready, and the drain
// pipeline that turns buffered events into one completion call.
package dispatch

import (
	"log/slog"
	"sync"
	"time"
)

// FlushFunc is invoked when a customer's quiet period elapses.
type FlushFunc func(customerID string)

// Debouncer keeps at most one active timer per customer in this process.
// The timer is a local optimization only: cross-process truth lives in the
// processing lock, and a timer that fires after the lock has moved on just
// observes an empty drain and exits.
type Debouncer struct {
	window time.Duration
	flush  FlushFunc

	mu     sync.Mutex
	timers map[string]*timerEntry
}

// timerEntry carries a generation counter so a timer that was reset right
// as it fired can detect it is stale and do nothing.
type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(window time.Duration, flush FlushFunc) *Debouncer {
	return &Debouncer{
		window: window,
		flush:  flush,
		timers: make(map[string]*timerEntry),
	}
}

// Schedule starts the customer's quiet-period timer, or resets it if one
// is already running, so a burst of messages collapses into one flush.
func (d *Debouncer) Schedule(customerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.timers[customerID]
	if !ok {
		e = &timerEntry{}
		d.timers[customerID] = e
	}
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d.window, func() { d.fire(customerID, gen) })

	slog.Debug("debounce: timer scheduled", "customer", customerID, "window", d.window)
}

// Reset restarts the customer's timer only if one is pending, in a
// single critical section. It returns false when no timer exists: the
// previous one already fired (its drain will release the lock) or none
// was ever scheduled, so the caller must re-acquire drain ownership
// before scheduling. Checking Active and then calling Schedule would
// leave a gap for the timer to fire in between, recreating a timer for
// a lock this process no longer holds.
func (d *Debouncer) Reset(customerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.timers[customerID]
	if !ok {
		return false
	}
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d.window, func() { d.fire(customerID, gen) })

	slog.Debug("debounce: timer reset", "customer", customerID, "window", d.window)
	return true
}

// Active reports whether this process currently has a timer for the
// customer, meaning it already owns the processing lock.
func (d *Debouncer) Active(customerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[customerID]
	return ok
}

// Stop flushes every pending timer immediately (graceful shutdown).
func (d *Debouncer) Stop() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.timers))
	gens := make([]uint64, 0, len(d.timers))
	for id, e := range d.timers {
		if e.timer != nil {
			e.timer.Stop()
		}
		ids = append(ids, id)
		gens = append(gens, e.gen)
	}
	d.mu.Unlock()

	for i, id := range ids {
		d.fire(id, gens[i])
	}
}

// fire removes the timer entry and invokes the flush callback, unless the
// generation changed (a later Schedule superseded this timer).
func (d *Debouncer) fire(customerID string, gen uint64) {
	d.mu.Lock()
	e, ok := d.timers[customerID]
	if !ok || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.timers, customerID)
	d.mu.Unlock()

	d.flush(customerID)
}
