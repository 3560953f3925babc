// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundEvents counts accepted webhook/bridge events by kind.
	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_inbound_events_total",
		Help: "Inbound customer events accepted and buffered.",
	}, []string{"kind"})

	// Drains counts drain outcomes: ok, empty, engine_error, store_error.
	Drains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_drains_total",
		Help: "Drain pipeline executions by result.",
	}, []string{"result"})

	// LockContention counts inbound events that found another worker
	// holding the customer's lock. Contention is normal control flow.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_lock_contention_total",
		Help: "Inbound events left buffered because another worker owns the lock.",
	})

	// RecoveredOrphans counts customers re-triggered by recovery sweeps.
	RecoveredOrphans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_recovered_orphans_total",
		Help: "Customers re-triggered by startup, periodic, or manual sweeps.",
	}, []string{"source"})

	// ReconciledItems counts operator-exchange items folded into batches.
	ReconciledItems = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_reconciled_items_total",
		Help: "Conversation-history items included by the gap reconciler.",
	})

	// DeliveryFailures counts replies that could not be delivered.
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_delivery_failures_total",
		Help: "Outbound replies that failed to send (not retried).",
	})

	// BatchSize observes how many events one drain coalesced.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "concierge_drain_batch_size",
		Help:    "Number of buffered events coalesced per drain.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	})
)
