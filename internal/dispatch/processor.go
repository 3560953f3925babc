package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bookline/concierge/internal/bus"
	"github.com/bookline/concierge/internal/engine"
	"github.com/bookline/concierge/internal/metrics"
	"github.com/bookline/concierge/internal/reconcile"
	"github.com/bookline/concierge/internal/store"
)

// Processor executes one drain: read-and-delete the customer's buffered
// events, reconcile any operator gap, call the completion engine, deliver
// the reply, update the outbound marker, and release the lock. Strictly
// in that order, with release last on every path.
type Processor struct {
	stores     *store.Stores
	reconciler *reconcile.Reconciler
	engine     engine.Engine
	sender     bus.Sender
	tracer     trace.Tracer

	// ownerID is this worker's lock identity, set by the dispatcher.
	// Release is scoped to it so a drain outliving a staleness sweep
	// cannot delete a lock another worker has since acquired.
	ownerID string

	// afterDrain, when set, runs after the lock is released so events
	// that arrived mid-drain get a fresh trigger.
	afterDrain func(customerID string)
}

// NewProcessor creates the drain pipeline. reconciler may be nil
// (reconciliation disabled).
func NewProcessor(stores *store.Stores, rec *reconcile.Reconciler, eng engine.Engine, sender bus.Sender) *Processor {
	return &Processor{
		stores:     stores,
		reconciler: rec,
		engine:     eng,
		sender:     sender,
		tracer:     otel.Tracer("concierge/dispatch"),
	}
}

// Drain processes everything currently buffered for the customer.
func (p *Processor) Drain(ctx context.Context, customerID string) {
	ctx, span := p.tracer.Start(ctx, "drain",
		trace.WithAttributes(attribute.String("customer.id", customerID)))
	defer span.End()

	// Release must always run, including on error paths: a failed drain
	// must never leave the customer locked out. The staleness sweep is
	// only the fallback for a crashed process.
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.stores.Locks.Release(rctx, customerID, p.ownerID); err != nil {
			slog.Error("drain: lock release failed, staleness sweep will recover",
				"customer", customerID, "error", err)
		}
		if p.afterDrain != nil {
			p.afterDrain(customerID)
		}
	}()

	events, err := p.stores.Messages.Drain(ctx, customerID)
	if err != nil {
		metrics.Drains.WithLabelValues("store_error").Inc()
		slog.Error("drain: store read failed", "customer", customerID, "error", err)
		return
	}
	if len(events) == 0 {
		// Another path already drained; normal race, nothing to do.
		metrics.Drains.WithLabelValues("empty").Inc()
		return
	}
	span.SetAttributes(attribute.Int("drain.events", len(events)))
	metrics.BatchSize.Observe(float64(len(events)))

	// One snapshot of the markers for the whole drain. The outbound
	// marker is written only after the reply, so this read is the
	// pre-overwrite value reconciliation needs.
	ts, err := p.stores.Timestamps.Get(ctx, customerID)
	if err != nil {
		slog.Warn("drain: timestamp read failed, skipping reconciliation",
			"customer", customerID, "error", err)
	}

	now := time.Now().UTC()
	var prefix string
	if p.reconciler != nil {
		prefix, err = p.reconciler.Window(ctx, customerID, ts.LastOutboundAt, now)
		if err != nil {
			slog.Warn("drain: gap reconciliation failed, continuing without prefix",
				"customer", customerID, "error", err)
			prefix = ""
		}
	}

	batch := ComposeBatch(events)
	slog.Info("drain: batch ready",
		"customer", customerID, "events", len(events), "reconciled", prefix != "")

	reply, err := p.engine.GetReply(ctx, customerID, batch, prefix)
	if err != nil {
		// The events are already deleted from the buffer; surface the
		// failure for operators rather than double-calling the engine.
		metrics.Drains.WithLabelValues("engine_error").Inc()
		slog.Error("drain: completion engine failed, batch not answered",
			"customer", customerID, "events", len(events), "error", err)
		return
	}

	if err := p.sender.SendReply(customerID, reply); err != nil {
		metrics.DeliveryFailures.Inc()
		slog.Error("drain: reply delivery failed", "customer", customerID, "error", err)
	}

	if _, err := p.stores.Timestamps.SetOutbound(ctx, customerID, time.Now().UTC()); err != nil {
		slog.Warn("drain: outbound timestamp update failed", "customer", customerID, "error", err)
	}

	metrics.Drains.WithLabelValues("ok").Inc()
}
