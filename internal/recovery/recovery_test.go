package recovery

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bookline/concierge/internal/bus"
	"github.com/bookline/concierge/internal/store"
)

// fakeMessages is a minimal in-memory MessageStore for sweep tests.
type fakeMessages struct {
	mu     sync.Mutex
	events map[string][]store.BufferedEvent
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{events: make(map[string][]store.BufferedEvent)}
}

func (f *fakeMessages) add(customer string, enqueuedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[customer] = append(f.events[customer], store.BufferedEvent{
		CustomerID: customer, Kind: bus.KindText, Payload: "x", EnqueuedAt: enqueuedAt,
	})
}

func (f *fakeMessages) Append(ctx context.Context, ev store.BufferedEvent) error {
	f.add(ev.CustomerID, ev.EnqueuedAt)
	return nil
}

func (f *fakeMessages) Drain(ctx context.Context, customerID string) ([]store.BufferedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[customerID]
	delete(f.events, customerID)
	return evs, nil
}

func (f *fakeMessages) CustomersWithPending(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeMessages) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, evs := range f.events {
		var kept []store.BufferedEvent
		for _, ev := range evs {
			if ev.EnqueuedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(f.events, id)
		} else {
			f.events[id] = kept
		}
	}
	return n, nil
}

// fakeLocks is a minimal in-memory LockStore for sweep tests.
type fakeLocks struct {
	mu    sync.Mutex
	locks map[string]store.ProcessingLock
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{locks: make(map[string]store.ProcessingLock)}
}

func (f *fakeLocks) hold(customer string, acquiredAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[customer] = store.ProcessingLock{
		CustomerID: customer, OwnerID: "w", AcquiredAt: acquiredAt,
	}
}

func (f *fakeLocks) TryAcquire(ctx context.Context, customerID, ownerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[customerID]; held {
		return false, nil
	}
	f.locks[customerID] = store.ProcessingLock{CustomerID: customerID, OwnerID: ownerID, AcquiredAt: time.Now()}
	return true, nil
}

func (f *fakeLocks) Release(ctx context.Context, customerID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, held := f.locks[customerID]; held && l.OwnerID == ownerID {
		delete(f.locks, customerID)
	}
	return nil
}

func (f *fakeLocks) SweepStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var swept []string
	for id, l := range f.locks {
		if l.AcquiredAt.Before(olderThan) {
			delete(f.locks, id)
			swept = append(swept, id)
		}
	}
	sort.Strings(swept)
	return swept, nil
}

func (f *fakeLocks) List(ctx context.Context) ([]store.ProcessingLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ProcessingLock
	for _, l := range f.locks {
		out = append(out, l)
	}
	return out, nil
}

// fakeTimestamps satisfies store.TimestampStore; sweeps never touch it.
type fakeTimestamps struct{}

func (fakeTimestamps) Get(ctx context.Context, customerID string) (store.Timestamps, error) {
	return store.Timestamps{}, nil
}
func (fakeTimestamps) SetInbound(ctx context.Context, customerID string, at time.Time) (store.Timestamps, error) {
	return store.Timestamps{}, nil
}
func (fakeTimestamps) SetOutbound(ctx context.Context, customerID string, at time.Time) (store.Timestamps, error) {
	return store.Timestamps{}, nil
}

// triggerRecorder records re-triggered customers.
type triggerRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *triggerRecorder) Trigger(ctx context.Context, customerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, customerID)
}

func (r *triggerRecorder) triggered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.ids...)
	sort.Strings(out)
	return out
}

func newSweeperForTest(t *testing.T, msgs *fakeMessages, locks *fakeLocks) (*Sweeper, *triggerRecorder) {
	t.Helper()
	rec := &triggerRecorder{}
	stores := &store.Stores{Messages: msgs, Locks: locks, Timestamps: fakeTimestamps{}}
	s, err := NewSweeper(stores, rec, 5*time.Minute, 10*time.Minute, "*/5 * * * *")
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return s, rec
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	stores := &store.Stores{Messages: newFakeMessages(), Locks: newFakeLocks(), Timestamps: fakeTimestamps{}}
	if _, err := NewSweeper(stores, &triggerRecorder{}, time.Minute, time.Minute, "every five minutes"); err == nil {
		t.Error("expected invalid cron expression to be rejected")
	}
}

func TestOnStartDropsExpiredAndRetriggersFresh(t *testing.T) {
	msgs := newFakeMessages()
	locks := newFakeLocks()
	now := time.Now().UTC()

	// alice: expired events only. bob: fresh events, no lock (orphan).
	msgs.add("alice", now.Add(-6*time.Minute))
	msgs.add("bob", now.Add(-time.Minute))

	s, rec := newSweeperForTest(t, msgs, locks)
	if err := s.OnStart(context.Background()); err != nil {
		t.Fatalf("on start: %v", err)
	}

	if got := rec.triggered(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("triggered = %v, want [bob]", got)
	}
	if pending, _ := msgs.CustomersWithPending(context.Background()); len(pending) != 1 || pending[0] != "bob" {
		t.Errorf("pending after start = %v, want [bob]", pending)
	}
}

func TestOnStartClearsStaleLocksAndRetriggers(t *testing.T) {
	msgs := newFakeMessages()
	locks := newFakeLocks()
	now := time.Now().UTC()

	// carol holds an 11-minute-old lock from a crashed worker and still
	// has a buffered event.
	locks.hold("carol", now.Add(-11*time.Minute))
	msgs.add("carol", now.Add(-time.Minute))

	s, rec := newSweeperForTest(t, msgs, locks)
	if err := s.OnStart(context.Background()); err != nil {
		t.Fatalf("on start: %v", err)
	}

	if remaining, _ := locks.List(context.Background()); len(remaining) != 0 {
		t.Errorf("stale lock survived: %v", remaining)
	}
	if got := rec.triggered(); len(got) == 0 || got[0] != "carol" {
		t.Errorf("triggered = %v, want carol re-triggered", got)
	}
}

func TestOnStartLeavesHealthyLocksAlone(t *testing.T) {
	msgs := newFakeMessages()
	locks := newFakeLocks()
	now := time.Now().UTC()

	// dave's lock is 9 minutes old: under the threshold, owner presumed
	// alive, nothing to recover.
	locks.hold("dave", now.Add(-9*time.Minute))
	msgs.add("dave", now.Add(-time.Minute))

	s, rec := newSweeperForTest(t, msgs, locks)
	if err := s.OnStart(context.Background()); err != nil {
		t.Fatalf("on start: %v", err)
	}

	if remaining, _ := locks.List(context.Background()); len(remaining) != 1 {
		t.Errorf("healthy lock was swept: %v", remaining)
	}
	if got := rec.triggered(); len(got) != 0 {
		t.Errorf("triggered = %v, want none for a held customer", got)
	}
}

func TestSweepOrphansReturnsIDs(t *testing.T) {
	msgs := newFakeMessages()
	locks := newFakeLocks()
	now := time.Now().UTC()

	msgs.add("alice", now)
	msgs.add("bob", now)
	locks.hold("bob", now) // bob is being worked on, only alice is orphaned

	s, rec := newSweeperForTest(t, msgs, locks)
	ids, err := s.SweepOrphans(context.Background())
	if err != nil {
		t.Fatalf("sweep orphans: %v", err)
	}
	if len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("orphans = %v, want [alice]", ids)
	}
	if got := rec.triggered(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("triggered = %v, want [alice]", got)
	}
}
