// Package stats aggregates sync counters and notifies observers.
package stats

import (
	"sync"
	"time"

	"github.com/kimhsiao/hrdesk/internal/logging"
)

// DefaultOperationCost is the per-operation estimate before any pass has been measured.
const DefaultOperationCost = time.Second

// Snapshot is an immutable view of the sync state.
type Snapshot struct {
	Total             int           `json:"total"`
	Pending           int           `json:"pending"`
	AwaitingManual    int           `json:"awaiting_manual"`
	SuccessCount      int64         `json:"success_count"`
	FailureCount      int64         `json:"failure_count"`
	DroppedCount      int64         `json:"dropped_count"`
	ConflictCount     int64         `json:"conflict_count"`
	SaveFailures      int64         `json:"save_failures"`
	LastSyncAt        time.Time     `json:"last_sync_at"`
	EstimatedSyncTime time.Duration `json:"estimated_sync_time"`
	IsSyncing         bool          `json:"is_syncing"`
	IsOnline          bool          `json:"is_online"`
}

// PassResult is the outcome of one sync pass.
type PassResult struct {
	Success   int
	Failure   int
	Dropped   int
	Conflicts int
	Deferred  int
	// Attempts is the number of sends made; Elapsed their total duration.
	Attempts int
	Elapsed  time.Duration
}

// Listener receives a snapshot after every observable change.
type Listener func(Snapshot)

// Subscription identifies a registered listener.
type Subscription struct {
	id      uint64
	tracker *Tracker
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.tracker != nil {
		s.tracker.Unsubscribe(s)
	}
}

// CountFunc reports the current total and awaiting-manual operation counts.
type CountFunc func() (total, awaitingManual int)

// Tracker holds cumulative counters and the listener set.
type Tracker struct {
	counts CountFunc
	now    func() time.Time

	mu            sync.Mutex
	success       int64
	failure       int64
	dropped       int64
	conflicts     int64
	saveFailures  int64
	lastSyncAt    time.Time
	attempts      int64
	attemptTime   time.Duration
	syncing       bool
	online        bool
	nextID        uint64
	listeners     map[uint64]Listener
	listenerOrder []uint64
}

// NewTracker creates a Tracker reading store counts from counts.
func NewTracker(counts CountFunc) *Tracker {
	if counts == nil {
		counts = func() (int, int) { return 0, 0 }
	}
	return &Tracker{
		counts:    counts,
		now:       time.Now,
		listeners: make(map[uint64]Listener),
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Subscribe registers fn and returns a handle for removing it.
func (t *Tracker) Subscribe(fn Listener) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.listeners[t.nextID] = fn
	t.listenerOrder = append(t.listenerOrder, t.nextID)
	return Subscription{id: t.nextID, tracker: t}
}

// Unsubscribe removes a listener.
func (t *Tracker) Unsubscribe(sub Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[sub.id]; !ok {
		return
	}
	delete(t.listeners, sub.id)
	for i, id := range t.listenerOrder {
		if id == sub.id {
			t.listenerOrder = append(t.listenerOrder[:i:i], t.listenerOrder[i+1:]...)
			break
		}
	}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	total, awaiting := t.counts()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(total, awaiting)
}

func (t *Tracker) snapshotLocked(total, awaiting int) Snapshot {
	pending := total - awaiting
	cost := DefaultOperationCost
	if t.attempts > 0 {
		cost = t.attemptTime / time.Duration(t.attempts)
	}
	return Snapshot{
		Total:             total,
		Pending:           pending,
		AwaitingManual:    awaiting,
		SuccessCount:      t.success,
		FailureCount:      t.failure,
		DroppedCount:      t.dropped,
		ConflictCount:     t.conflicts,
		SaveFailures:      t.saveFailures,
		LastSyncAt:        t.lastSyncAt,
		EstimatedSyncTime: time.Duration(pending) * cost,
		IsSyncing:         t.syncing,
		IsOnline:          t.online,
	}
}

// BeginPass marks a pass as running.
func (t *Tracker) BeginPass() {
	t.mu.Lock()
	t.syncing = true
	t.mu.Unlock()
	t.Notify()
}

// EndPass folds a pass result into the counters.
func (t *Tracker) EndPass(r PassResult) {
	t.mu.Lock()
	t.syncing = false
	t.success += int64(r.Success)
	t.failure += int64(r.Failure)
	t.dropped += int64(r.Dropped)
	t.conflicts += int64(r.Conflicts)
	t.attempts += int64(r.Attempts)
	t.attemptTime += r.Elapsed
	t.lastSyncAt = t.now()
	t.mu.Unlock()
	t.Notify()
}

// RecordDropped counts operations dropped outside a pass, e.g. by eviction.
func (t *Tracker) RecordDropped(n int) {
	t.mu.Lock()
	t.dropped += int64(n)
	t.mu.Unlock()
}

// RecordSaveFailure counts a persistence write failure.
func (t *Tracker) RecordSaveFailure() {
	t.mu.Lock()
	t.saveFailures++
	t.mu.Unlock()
}

// SetOnline records connectivity and notifies on change.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	changed := t.online != online
	t.online = online
	t.mu.Unlock()
	if changed {
		t.Notify()
	}
}

// Online reports the last recorded connectivity.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Notify sends the current snapshot to every listener. The listener set is
// copied first, so listeners may subscribe or unsubscribe while being called.
func (t *Tracker) Notify() {
	total, awaiting := t.counts()

	t.mu.Lock()
	snap := t.snapshotLocked(total, awaiting)
	listeners := make([]Listener, 0, len(t.listenerOrder))
	for _, id := range t.listenerOrder {
		listeners = append(listeners, t.listeners[id])
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		callListener(fn, snap)
	}
}

func callListener(fn Listener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Stats listener panicked", map[string]interface{}{
				"panic": r,
			})
		}
	}()
	fn(snap)
}
