// Package recovery finds buffered events that no timer or lock is
// responsible for (orphaned by a crash or a failed post-buffer step)
// and re-triggers their processing. It also expires locks held past the
// staleness threshold, which is how crashed owners are detected.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/bookline/concierge/internal/metrics"
	"github.com/bookline/concierge/internal/store"
)

// Triggerer restarts processing for a customer as if a fresh event had
// just arrived. Implemented by the dispatcher.
type Triggerer interface {
	Trigger(ctx context.Context, customerID string)
}

// Sweeper runs startup, periodic, and on-demand recovery passes.
type Sweeper struct {
	stores    *store.Stores
	trigger   Triggerer
	eventTTL  time.Duration
	staleness time.Duration
	schedule  string
}

// NewSweeper creates a recovery sweeper. schedule is a cron expression
// for the periodic pass.
func NewSweeper(stores *store.Stores, trigger Triggerer, eventTTL, staleness time.Duration, schedule string) (*Sweeper, error) {
	if schedule != "" && !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	return &Sweeper{
		stores:    stores,
		trigger:   trigger,
		eventTTL:  eventTTL,
		staleness: staleness,
		schedule:  schedule,
	}, nil
}

// OnStart runs the startup pass: drop buffered events past the TTL
// (reprocessing a flood of old messages is worse than letting the rest
// ride along with the next message), clear stale locks, and re-trigger
// every customer that still has fresh events buffered.
func (s *Sweeper) OnStart(ctx context.Context) error {
	now := time.Now().UTC()

	dropped, err := s.stores.Messages.DeleteOlderThan(ctx, now.Add(-s.eventTTL))
	if err != nil {
		return fmt.Errorf("startup recovery: drop stale events: %w", err)
	}
	if dropped > 0 {
		slog.Info("startup recovery: dropped stale buffered events", "count", dropped, "ttl", s.eventTTL)
	}

	expired, err := s.stores.Locks.SweepStale(ctx, now.Add(-s.staleness))
	if err != nil {
		return fmt.Errorf("startup recovery: sweep stale locks: %w", err)
	}
	for _, id := range expired {
		slog.Info("startup recovery: cleared stale lock", "customer", id)
		metrics.RecoveredOrphans.WithLabelValues("startup").Inc()
		s.trigger.Trigger(ctx, id)
	}

	if _, err := s.sweepOrphans(ctx, "startup"); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	return nil
}

// SweepOrphans finds customers with buffered events but no active lock
// and re-triggers them. Exposed on the operational surface; returns the
// re-triggered customer ids.
func (s *Sweeper) SweepOrphans(ctx context.Context) ([]string, error) {
	return s.sweepOrphans(ctx, "manual")
}

// RunPeriodic sleeps until each next cron tick and runs the stale-lock
// sweep plus an orphan pass. Blocks until ctx is done.
func (s *Sweeper) RunPeriodic(ctx context.Context) {
	if s.schedule == "" {
		return
	}
	slog.Info("recovery sweeper started", "schedule", s.schedule)

	for {
		next, err := gronx.NextTickAfter(s.schedule, time.Now().UTC(), false)
		if err != nil {
			slog.Error("recovery sweeper: next tick", "schedule", s.schedule, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.runScheduled(ctx)
		}
	}
}

func (s *Sweeper) runScheduled(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := s.stores.Locks.SweepStale(ctx, now.Add(-s.staleness))
	if err != nil {
		slog.Error("periodic sweep: stale locks", "error", err)
	}
	for _, id := range expired {
		slog.Warn("periodic sweep: cleared stale lock, presumed crashed owner", "customer", id)
		metrics.RecoveredOrphans.WithLabelValues("periodic").Inc()
		s.trigger.Trigger(ctx, id)
	}

	if _, err := s.sweepOrphans(ctx, "periodic"); err != nil {
		slog.Error("periodic sweep: orphans", "error", err)
	}
}

func (s *Sweeper) sweepOrphans(ctx context.Context, source string) ([]string, error) {
	pending, err := s.stores.Messages.CustomersWithPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending customers: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	locks, err := s.stores.Locks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	locked := make(map[string]bool, len(locks))
	for _, l := range locks {
		locked[l.CustomerID] = true
	}

	var orphaned []string
	for _, id := range pending {
		if locked[id] {
			continue
		}
		orphaned = append(orphaned, id)
		slog.Info("orphan sweep: re-triggering buffered customer", "customer", id, "source", source)
		metrics.RecoveredOrphans.WithLabelValues(source).Inc()
		s.trigger.Trigger(ctx, id)
	}
	return orphaned, nil
}
