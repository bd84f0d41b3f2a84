// Package queue provides the durable, priority-ordered store of pending operations.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/logging"
	"github.com/kimhsiao/hrdesk/internal/models"
	"github.com/kimhsiao/hrdesk/internal/uuid"
)

// DefaultMaxRetries applies when an operation is added without a ceiling.
const DefaultMaxRetries = 3

// DefaultFailedLimit is how many dropped ids are remembered once no stored
// operation depends on them.
const DefaultFailedLimit = 1024

// Persister saves and restores full snapshots of the store.
type Persister interface {
	SaveOperations(ctx context.Context, ops []*models.Operation) error
	LoadOperations(ctx context.Context) ([]*models.Operation, error)
}

// Options configures a Store.
type Options struct {
	// Capacity is the maximum number of stored operations.
	Capacity int
	// Persister may be nil for a volatile store.
	Persister Persister
	// Now defaults to time.Now.
	Now func() time.Time
	// OnAdd runs after an operation is stored, outside the store lock.
	OnAdd func(op *models.Operation)
	// OnEvict runs for each operation removed to make room.
	OnEvict func(op *models.Operation)
	// OnSaveError runs when a snapshot could not be persisted.
	OnSaveError func(err error)
}

type entry struct {
	op  *models.Operation
	seq uint64
}

// Store is the authoritative in-memory index of pending operations.
// All methods are safe for concurrent use and never touch the network.
type Store struct {
	mu       sync.RWMutex
	items    map[string]*entry
	seq      uint64
	capacity int
	failed   map[string]uint64 // ids dropped without delivery, with the drop sequence

	failSeq     uint64
	failedLimit int

	gen uint64 // bumped under mu for every snapshot taken

	// Snapshots are written in generation order; stale ones are skipped.
	saveMu    sync.Mutex
	savedGen  uint64
	persister Persister

	now         func() time.Time
	onAdd       func(op *models.Operation)
	onEvict     func(op *models.Operation)
	onSaveError func(err error)
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = models.DefaultSyncConfig().MaxOperations
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		items:       make(map[string]*entry),
		failed:      make(map[string]uint64),
		failedLimit: DefaultFailedLimit,
		capacity:    opts.Capacity,
		persister:   opts.Persister,
		now:         opts.Now,
		onAdd:       opts.OnAdd,
		onEvict:     opts.OnEvict,
		onSaveError: opts.OnSaveError,
	}
}

// SetOnAdd replaces the add hook. Used when the scheduler is wired after the store.
func (s *Store) SetOnAdd(fn func(op *models.Operation)) {
	s.mu.Lock()
	s.onAdd = fn
	s.mu.Unlock()
}

// Load replaces the store contents with the persisted snapshot. Load failures
// leave the store empty and are logged, never returned.
func (s *Store) Load(ctx context.Context) int {
	if s.persister == nil {
		return 0
	}

	ops, err := s.persister.LoadOperations(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to load persisted operations, starting empty",
			string(apperrors.CodeOf(err)), err)
		ops = nil
	}

	s.mu.Lock()
	s.items = make(map[string]*entry, len(ops))
	s.seq = 0
	for _, op := range ops {
		if op == nil || op.ID == "" || s.items[op.ID] != nil {
			continue
		}
		if op.MaxRetries <= 0 {
			op.MaxRetries = DefaultMaxRetries
		}
		if op.RetryCount >= op.MaxRetries {
			continue
		}
		s.seq++
		s.items[op.ID] = &entry{op: op.Clone(), seq: s.seq}
	}
	evicted := s.evictLocked(s.capacity)
	count := len(s.items)
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	if len(evicted) > 0 {
		s.persist(ctx)
	}

	logging.Info("Loaded persisted operations", map[string]interface{}{
		"count":   count,
		"evicted": len(evicted),
	})
	return count
}

// Add stores a new operation. The id, timestamp and retry count are assigned
// here; caller-supplied values are ignored. When the store is full the single
// oldest operation is evicted first.
func (s *Store) Add(ctx context.Context, op *models.Operation) (string, error) {
	if op == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "operation is nil")
	}
	if !op.Priority.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, "unknown priority "+string(op.Priority))
	}

	stored := op.Clone()
	stored.ID = uuid.New()
	stored.Timestamp = s.now()
	stored.RetryCount = 0
	stored.NextAttemptAt = time.Time{}
	stored.LastError = ""
	stored.ConflictState = models.ConflictNone
	stored.Override = false
	if stored.MaxRetries <= 0 {
		stored.MaxRetries = DefaultMaxRetries
	}

	s.mu.Lock()
	evicted := s.evictLocked(s.capacity - 1)
	s.seq++
	s.items[stored.ID] = &entry{op: stored, seq: s.seq}
	onAdd := s.onAdd
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	s.persist(ctx)

	logging.Debug("Operation enqueued", map[string]interface{}{
		"id":       stored.ID,
		"type":     stored.Type,
		"priority": string(stored.Priority),
		"owner_id": stored.OwnerID,
	})

	if onAdd != nil {
		onAdd(stored.Clone())
	}
	return stored.ID, nil
}

// Remove deletes the operation if present and reports whether it existed.
func (s *Store) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	_, ok := s.items[id]
	delete(s.items, id)
	s.mu.Unlock()

	if ok {
		s.persist(ctx)
	}
	return ok
}

// Get returns a copy of the operation.
func (s *Store) Get(id string) (*models.Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return e.op.Clone(), true
}

// ListPending returns copies ordered by priority (high first), then timestamp
// (oldest first), then insertion order.
func (s *Store) ListPending() []*models.Operation {
	return s.list(func(*models.Operation) bool { return true })
}

// ListPendingByOwner is ListPending restricted to one owner.
func (s *Store) ListPendingByOwner(ownerID string) []*models.Operation {
	return s.list(func(op *models.Operation) bool { return op.OwnerID == ownerID })
}

func (s *Store) list(keep func(*models.Operation) bool) []*models.Operation {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.items))
	for _, e := range s.items {
		if keep(e.op) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ra, rb := a.op.Priority.Rank(), b.op.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.op.Timestamp.Equal(b.op.Timestamp) {
			return a.op.Timestamp.Before(b.op.Timestamp)
		}
		return a.seq < b.seq
	})

	out := make([]*models.Operation, len(entries))
	for i, e := range entries {
		out[i] = e.op.Clone()
	}
	return out
}

// Clear empties the store and persists the empty state.
func (s *Store) Clear(ctx context.Context) int {
	s.mu.Lock()
	n := len(s.items)
	s.items = make(map[string]*entry)
	s.mu.Unlock()

	s.persist(ctx)
	logging.Info("Operation queue cleared", map[string]interface{}{"removed": n})
	return n
}

// ClearOwner removes every operation belonging to ownerID.
func (s *Store) ClearOwner(ctx context.Context, ownerID string) int {
	s.mu.Lock()
	n := 0
	for id, e := range s.items {
		if e.op.OwnerID == ownerID {
			delete(s.items, id)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.persist(ctx)
	}
	logging.Info("Owner operations cleared", map[string]interface{}{
		"owner_id": ownerID,
		"removed":  n,
	})
	return n
}

// Size returns the number of stored operations.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Counts returns the total and awaiting-manual operation counts.
func (s *Store) Counts() (total, awaitingManual int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.items {
		if e.op.AwaitingManual() {
			awaitingManual++
		}
	}
	return len(s.items), awaitingManual
}

// Capacity returns the current maximum size.
func (s *Store) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity
}

// SetCapacity changes the maximum size, evicting the oldest operations if the
// store is now over capacity.
func (s *Store) SetCapacity(ctx context.Context, capacity int) []*models.Operation {
	if capacity <= 0 {
		return nil
	}

	s.mu.Lock()
	s.capacity = capacity
	evicted := s.evictLocked(capacity)
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	if len(evicted) > 0 {
		s.persist(ctx)
	}
	return evicted
}

// FailureResult reports what RecordFailure did.
type FailureResult struct {
	Found      bool
	Dropped    bool
	RetryCount int
}

// RecordFailure increments the retry counter. When the counter reaches the
// operation's ceiling the operation is dropped instead of kept.
func (s *Store) RecordFailure(ctx context.Context, id string, cause error, nextAttemptAt time.Time) FailureResult {
	s.mu.Lock()
	e, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return FailureResult{}
	}

	res := FailureResult{Found: true, RetryCount: e.op.RetryCount + 1}
	if res.RetryCount >= e.op.MaxRetries {
		delete(s.items, id)
		s.markFailedLocked(id)
		res.Dropped = true
	} else {
		e.op.RetryCount = res.RetryCount
		e.op.NextAttemptAt = nextAttemptAt
		if cause != nil {
			e.op.LastError = cause.Error()
		}
	}
	op := e.op
	s.mu.Unlock()

	s.persist(ctx)

	fields := map[string]interface{}{
		"id":          id,
		"type":        op.Type,
		"retry_count": res.RetryCount,
		"max_retries": op.MaxRetries,
	}
	if res.Dropped {
		logging.ErrorWithCode("Operation dropped after exhausting retries",
			string(apperrors.ErrSyncRetriesExceeded), cause, fields)
	} else {
		fields["next_attempt_at"] = nextAttemptAt
		logging.Warn("Operation attempt failed, will retry", fields)
	}
	return res
}

// Drop removes an operation as undeliverable, e.g. when a dependency failed.
func (s *Store) Drop(ctx context.Context, id string) bool {
	s.mu.Lock()
	_, ok := s.items[id]
	if ok {
		delete(s.items, id)
		s.markFailedLocked(id)
	}
	s.mu.Unlock()

	if ok {
		s.persist(ctx)
	}
	return ok
}

// Failed reports whether id was dropped without delivery in this process
// lifetime. Ids no stored operation depends on are forgotten once more than
// failedLimit newer drops have happened.
func (s *Store) Failed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.failed[id]
	return ok
}

// markFailedLocked remembers a dropped id and prunes old unreferenced ones.
func (s *Store) markFailedLocked(id string) {
	s.failSeq++
	s.failed[id] = s.failSeq
	if len(s.failed) <= s.failedLimit {
		return
	}

	referenced := make(map[string]bool)
	for _, e := range s.items {
		for _, dep := range e.op.Dependencies {
			referenced[dep] = true
		}
	}
	var cutoff uint64
	if s.failSeq > uint64(s.failedLimit) {
		cutoff = s.failSeq - uint64(s.failedLimit)
	}
	for fid, seq := range s.failed {
		if seq <= cutoff && !referenced[fid] {
			delete(s.failed, fid)
		}
	}
}

// MarkAwaitingManual parks an operation until a human resolves its conflict.
func (s *Store) MarkAwaitingManual(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.items[id]
	if ok {
		e.op.ConflictState = models.ConflictAwaitingManual
		e.op.LastError = string(apperrors.ErrSyncConflict)
	}
	s.mu.Unlock()

	if ok {
		s.persist(ctx)
	}
	return ok
}

// ResolveManual settles a parked conflict. keepClient re-arms the operation
// for an immediate override send; otherwise the server version stands and the
// operation is removed.
func (s *Store) ResolveManual(ctx context.Context, id string, keepClient bool) (bool, error) {
	s.mu.Lock()
	e, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return false, apperrors.New(apperrors.ErrNotFound, "operation "+id+" not found")
	}
	if !e.op.AwaitingManual() {
		s.mu.Unlock()
		return false, apperrors.New(apperrors.ErrInvalid, "operation "+id+" has no pending conflict")
	}
	if keepClient {
		e.op.ConflictState = models.ConflictNone
		e.op.Override = true
		e.op.NextAttemptAt = time.Time{}
	} else {
		delete(s.items, id)
	}
	s.mu.Unlock()

	s.persist(ctx)
	return keepClient, nil
}

// evictLocked removes oldest operations until at most limit remain.
func (s *Store) evictLocked(limit int) []*models.Operation {
	if limit < 0 {
		limit = 0
	}
	var evicted []*models.Operation
	for len(s.items) > limit {
		var oldest *entry
		for _, e := range s.items {
			if oldest == nil ||
				e.op.Timestamp.Before(oldest.op.Timestamp) ||
				(e.op.Timestamp.Equal(oldest.op.Timestamp) && e.seq < oldest.seq) {
				oldest = e
			}
		}
		delete(s.items, oldest.op.ID)
		s.markFailedLocked(oldest.op.ID)
		evicted = append(evicted, oldest.op)
	}
	return evicted
}

func (s *Store) notifyEvicted(evicted []*models.Operation) {
	for _, op := range evicted {
		logging.Warn("Queue at capacity, evicted oldest operation", map[string]interface{}{
			"id":        op.ID,
			"type":      op.Type,
			"timestamp": op.Timestamp,
		})
		if s.onEvict != nil {
			s.onEvict(op.Clone())
		}
	}
}

// persist writes a full snapshot. The in-memory state is kept on failure.
func (s *Store) persist(ctx context.Context) {
	if s.persister == nil {
		return
	}

	s.mu.Lock()
	entries := make([]*entry, 0, len(s.items))
	for _, e := range s.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	snapshot := make([]*models.Operation, len(entries))
	for i, e := range entries {
		snapshot[i] = e.op.Clone()
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if gen <= s.savedGen {
		return
	}
	if err := s.persister.SaveOperations(ctx, snapshot); err != nil {
		logging.ErrorWithCode("Failed to persist operation queue",
			string(apperrors.CodeOf(err)), err, map[string]interface{}{"operations": len(snapshot)})
		if s.onSaveError != nil {
			s.onSaveError(err)
		}
		return
	}
	s.savedGen = gen
}
