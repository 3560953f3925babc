package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bookline/concierge/internal/bus"
	"github.com/bookline/concierge/internal/metrics"
	"github.com/bookline/concierge/internal/store"
)

// Dispatcher routes accepted inbound events into the buffer and decides
// whether this worker should own the customer's drain.
type Dispatcher struct {
	stores    *store.Stores
	debouncer *Debouncer
	processor *Processor
	ownerID   string
}

// NewDispatcher wires the debouncer and drain pipeline together. ownerID
// identifies this worker process in lock rows.
func NewDispatcher(stores *store.Stores, processor *Processor, window time.Duration) *Dispatcher {
	d := &Dispatcher{
		stores:    stores,
		processor: processor,
		ownerID:   uuid.NewString(),
	}
	d.debouncer = NewDebouncer(window, d.onFlush)
	processor.ownerID = d.ownerID
	processor.afterDrain = d.retriggerIfPending
	return d
}

// OwnerID returns this worker's lock owner identity.
func (d *Dispatcher) OwnerID() string { return d.ownerID }

// HandleInbound is the single entry point for an accepted gateway event.
// The append happens before anything else; every later step that fails
// leaves the event buffered for recovery rather than losing it.
func (d *Dispatcher) HandleInbound(ctx context.Context, ev bus.InboundEvent) error {
	if ev.CustomerID == "" {
		return fmt.Errorf("inbound event missing customer id")
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("inbound event has unknown kind %q", ev.Kind)
	}

	buffered := store.BufferedEvent{
		ID:         uuid.Must(uuid.NewV7()),
		CustomerID: ev.CustomerID,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		Caption:    ev.Caption,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := d.stores.Messages.Append(ctx, buffered); err != nil {
		// The one failure that loses the message. Propagate so the
		// gateway does not acknowledge and upstream redelivers.
		return fmt.Errorf("append inbound event: %w", err)
	}
	metrics.InboundEvents.WithLabelValues(string(ev.Kind)).Inc()

	prev, err := d.stores.Timestamps.SetInbound(ctx, ev.CustomerID, buffered.EnqueuedAt)
	if err != nil {
		slog.Warn("inbound: timestamp update failed, event stays buffered",
			"customer", ev.CustomerID, "error", err)
		return nil
	}
	if !prev.LastInboundAt.IsZero() {
		slog.Debug("inbound: customer seen again",
			"customer", ev.CustomerID, "since_last", buffered.EnqueuedAt.Sub(prev.LastInboundAt))
	}

	d.scheduleDrain(ctx, ev.CustomerID)
	return nil
}

// Trigger behaves as if a fresh event had just arrived for the customer:
// recovery uses it to restart processing of orphaned buffers.
func (d *Dispatcher) Trigger(ctx context.Context, customerID string) {
	d.scheduleDrain(ctx, customerID)
}

// Stop flushes all pending timers. Held locks are released by their
// drains; anything left is bounded by the staleness sweep.
func (d *Dispatcher) Stop() {
	d.debouncer.Stop()
}

// scheduleDrain acquires (or confirms) drain ownership and (re)starts the
// quiet-period timer. On contention the event just stays buffered: the
// lock owner's drain picks up everything buffered at drain time.
// Reset is atomic: a timer that fires concurrently either wins (and its
// drain releases the lock, so we fall through to TryAcquire) or is
// superseded, never both.
func (d *Dispatcher) scheduleDrain(ctx context.Context, customerID string) {
	if d.debouncer.Reset(customerID) {
		return
	}

	ok, err := d.stores.Locks.TryAcquire(ctx, customerID, d.ownerID)
	if err != nil {
		slog.Warn("inbound: lock acquisition failed, event left for recovery sweep",
			"customer", customerID, "error", err)
		return
	}
	if !ok {
		metrics.LockContention.Inc()
		slog.Debug("inbound: customer locked by another worker", "customer", customerID)
		return
	}
	d.debouncer.Schedule(customerID)
}

// onFlush runs the drain pipeline when a quiet period elapses.
func (d *Dispatcher) onFlush(customerID string) {
	d.processor.Drain(context.Background(), customerID)
}

// retriggerIfPending handles events appended during a drain by a worker
// that lost the lock race: after the lock is released, anything still
// buffered gets a fresh trigger instead of waiting for a sweep.
func (d *Dispatcher) retriggerIfPending(customerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := d.stores.Messages.CustomersWithPending(ctx)
	if err != nil {
		slog.Warn("post-drain check failed", "customer", customerID, "error", err)
		return
	}
	for _, id := range events {
		if id == customerID {
			slog.Debug("post-drain: events arrived during drain, re-triggering", "customer", customerID)
			d.scheduleDrain(ctx, customerID)
			return
		}
	}
}
