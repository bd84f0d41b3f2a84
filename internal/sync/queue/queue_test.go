package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/models"
)

var t0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type memPersister struct {
	mu      sync.Mutex
	saved   []*models.Operation
	saves   int
	loadErr error
	saveErr error
}

func (p *memPersister) SaveOperations(_ context.Context, ops []*models.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = ops
	return nil
}

func (p *memPersister) LoadOperations(context.Context) ([]*models.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved, p.loadErr
}

func createTestOp(priority models.Priority) *models.Operation {
	return &models.Operation{
		Type:     "attendance",
		Priority: priority,
		Endpoint: "/api/attendance",
		Method:   "POST",
		OwnerID:  "emp-1",
	}
}

func createTestStore(capacity int) (*Store, *testClock, *memPersister) {
	clock := &testClock{now: t0}
	p := &memPersister{}
	s := NewStore(Options{Capacity: capacity, Persister: p, Now: clock.Now})
	return s, clock, p
}

func addAt(t *testing.T, s *Store, clock *testClock, offset time.Duration, priority models.Priority) string {
	t.Helper()
	clock.Set(t0.Add(offset))
	id, err := s.Add(context.Background(), createTestOp(priority))
	require.NoError(t, err)
	return id
}

// =====================================================
// Add / Get / Remove
// =====================================================

func TestStore_AddAssignsIdentity(t *testing.T) {
	s, clock, p := createTestStore(10)
	op := createTestOp(models.PriorityMedium)
	op.ID = "caller-id"
	op.RetryCount = 7

	id, err := s.Add(context.Background(), op)
	require.NoError(t, err)
	assert.NotEqual(t, "caller-id", id)

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), got.Timestamp)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, DefaultMaxRetries, got.MaxRetries)
	assert.Len(t, p.saved, 1)
}

func TestStore_AddRejectsInvalid(t *testing.T) {
	s, _, _ := createTestStore(10)

	_, err := s.Add(context.Background(), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = s.Add(context.Background(), createTestOp("urgent"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Equal(t, 0, s.Size())
}

func TestStore_AddCallsHook(t *testing.T) {
	var added []*models.Operation
	s := NewStore(Options{OnAdd: func(op *models.Operation) { added = append(added, op) }})

	id, err := s.Add(context.Background(), createTestOp(models.PriorityHigh))
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, id, added[0].ID)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, clock, _ := createTestStore(10)
	id := addAt(t, s, clock, 0, models.PriorityHigh)

	got, _ := s.Get(id)
	got.Endpoint = "/mutated"

	again, _ := s.Get(id)
	assert.Equal(t, "/api/attendance", again.Endpoint)
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	s, clock, p := createTestStore(10)
	id := addAt(t, s, clock, 0, models.PriorityHigh)

	assert.True(t, s.Remove(ctx, id))
	assert.False(t, s.Remove(ctx, id))
	assert.Empty(t, p.saved)
	assert.False(t, s.Failed(id), "removal is not a delivery failure")
}

// =====================================================
// Ordering
// =====================================================

func TestStore_ListPending_priorityThenTimestamp(t *testing.T) {
	s, clock, _ := createTestStore(10)

	highLate := addAt(t, s, clock, time.Second, models.PriorityHigh)
	low := addAt(t, s, clock, 0, models.PriorityLow)
	highEarly := addAt(t, s, clock, 0, models.PriorityHigh)

	ids := idsOf(s.ListPending())
	assert.Equal(t, []string{highEarly, highLate, low}, ids)
}

func TestStore_ListPending_insertionTiebreak(t *testing.T) {
	s, clock, _ := createTestStore(10)

	a := addAt(t, s, clock, 0, models.PriorityMedium)
	b := addAt(t, s, clock, 0, models.PriorityMedium)
	c := addAt(t, s, clock, 0, models.PriorityMedium)

	assert.Equal(t, []string{a, b, c}, idsOf(s.ListPending()))
}

func TestStore_ListPending_mixed(t *testing.T) {
	s, clock, _ := createTestStore(50)
	priorities := []models.Priority{models.PriorityLow, models.PriorityHigh, models.PriorityMedium}
	for i := 0; i < 30; i++ {
		addAt(t, s, clock, time.Duration(30-i)*time.Second, priorities[i%3])
	}

	ops := s.ListPending()
	for i := 1; i < len(ops); i++ {
		prev, cur := ops[i-1], ops[i]
		require.GreaterOrEqual(t, prev.Priority.Rank(), cur.Priority.Rank())
		if prev.Priority == cur.Priority {
			require.False(t, cur.Timestamp.Before(prev.Timestamp))
		}
	}
}

func TestStore_ListPendingByOwner(t *testing.T) {
	ctx := context.Background()
	s, _, _ := createTestStore(10)

	mine := createTestOp(models.PriorityLow)
	mine.OwnerID = "emp-7"
	id, _ := s.Add(ctx, mine)
	s.Add(ctx, createTestOp(models.PriorityHigh))

	assert.Equal(t, []string{id}, idsOf(s.ListPendingByOwner("emp-7")))
	assert.Equal(t, 1, s.ClearOwner(ctx, "emp-7"))
	assert.Equal(t, 1, s.Size())
}

// =====================================================
// Capacity
// =====================================================

func TestStore_Capacity_evictsOldest(t *testing.T) {
	var evicted []string
	s, clock, _ := createTestStore(2)
	s.onEvict = func(op *models.Operation) { evicted = append(evicted, op.ID) }

	a := addAt(t, s, clock, 0, models.PriorityHigh)
	b := addAt(t, s, clock, time.Second, models.PriorityLow)
	c := addAt(t, s, clock, 2*time.Second, models.PriorityLow)

	assert.Equal(t, 2, s.Size())
	assert.ElementsMatch(t, []string{b, c}, idsOf(s.ListPending()))
	assert.Equal(t, []string{a}, evicted)
	assert.True(t, s.Failed(a))
}

func TestStore_Capacity_neverExceeded(t *testing.T) {
	s, clock, _ := createTestStore(5)
	for i := 0; i < 20; i++ {
		addAt(t, s, clock, time.Duration(i)*time.Millisecond, models.PriorityMedium)
		require.LessOrEqual(t, s.Size(), 5)
	}
}

func TestStore_SetCapacityShrinks(t *testing.T) {
	s, clock, _ := createTestStore(10)
	a := addAt(t, s, clock, 0, models.PriorityHigh)
	b := addAt(t, s, clock, time.Second, models.PriorityHigh)
	c := addAt(t, s, clock, 2*time.Second, models.PriorityHigh)

	evicted := s.SetCapacity(context.Background(), 1)
	assert.Equal(t, []string{a, b}, idsOf(evicted))
	assert.Equal(t, []string{c}, idsOf(s.ListPending()))
	assert.Equal(t, 1, s.Capacity())
}

// =====================================================
// Retry accounting
// =====================================================

func TestStore_RecordFailure_exhaustion(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := createTestStore(10)
	op := createTestOp(models.PriorityHigh)
	op.MaxRetries = 2
	id, _ := s.Add(ctx, op)

	next := clock.Now().Add(5 * time.Second)
	res := s.RecordFailure(ctx, id, errors.New("connection refused"), next)
	assert.Equal(t, FailureResult{Found: true, RetryCount: 1}, res)

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, next, got.NextAttemptAt)
	assert.Equal(t, "connection refused", got.LastError)

	res = s.RecordFailure(ctx, id, errors.New("connection refused"), next)
	assert.Equal(t, FailureResult{Found: true, Dropped: true, RetryCount: 2}, res)
	_, ok = s.Get(id)
	assert.False(t, ok)
	assert.True(t, s.Failed(id))

	assert.Equal(t, FailureResult{}, s.RecordFailure(ctx, id, nil, next))
}

func TestStore_Drop(t *testing.T) {
	s, clock, _ := createTestStore(10)
	id := addAt(t, s, clock, 0, models.PriorityLow)

	assert.True(t, s.Drop(context.Background(), id))
	assert.True(t, s.Failed(id))
	assert.False(t, s.Drop(context.Background(), id))
}

func TestStore_FailedSetIsBounded(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := createTestStore(100)
	s.failedLimit = 4

	kept := addAt(t, s, clock, 0, models.PriorityLow)
	dependent := createTestOp(models.PriorityLow)
	dependent.Dependencies = []string{kept}
	dependentID, err := s.Add(ctx, dependent)
	require.NoError(t, err)
	require.True(t, s.Drop(ctx, kept))

	for i := 0; i < 20; i++ {
		id := addAt(t, s, clock, time.Duration(i+1)*time.Second, models.PriorityLow)
		require.True(t, s.Drop(ctx, id))
	}

	s.mu.RLock()
	size := len(s.failed)
	s.mu.RUnlock()
	assert.LessOrEqual(t, size, s.failedLimit+1)
	assert.True(t, s.Failed(kept), "ids a stored operation depends on are kept")

	s.Remove(ctx, dependentID)
	for i := 0; i < 10; i++ {
		id := addAt(t, s, clock, time.Duration(i+30)*time.Second, models.PriorityLow)
		s.Drop(ctx, id)
	}
	assert.False(t, s.Failed(kept), "unreferenced ids age out")
}

// =====================================================
// Manual conflicts
// =====================================================

func TestStore_ManualConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := createTestStore(10)
	keep := addAt(t, s, clock, 0, models.PriorityHigh)
	discard := addAt(t, s, clock, time.Second, models.PriorityHigh)

	_, err := s.ResolveManual(ctx, keep, true)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	require.True(t, s.MarkAwaitingManual(ctx, keep))
	require.True(t, s.MarkAwaitingManual(ctx, discard))
	total, awaiting := s.Counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, awaiting)

	rearmed, err := s.ResolveManual(ctx, keep, true)
	require.NoError(t, err)
	assert.True(t, rearmed)
	got, _ := s.Get(keep)
	assert.False(t, got.AwaitingManual())
	assert.True(t, got.Override)

	rearmed, err = s.ResolveManual(ctx, discard, false)
	require.NoError(t, err)
	assert.False(t, rearmed)
	_, ok := s.Get(discard)
	assert.False(t, ok)

	_, err = s.ResolveManual(ctx, "missing", true)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// =====================================================
// Persistence
// =====================================================

func TestStore_LoadRestoresOrder(t *testing.T) {
	ctx := context.Background()
	s, clock, p := createTestStore(10)
	a := addAt(t, s, clock, 0, models.PriorityLow)
	b := addAt(t, s, clock, 0, models.PriorityLow)

	restored := NewStore(Options{Capacity: 10, Persister: p})
	assert.Equal(t, 2, restored.Load(ctx))
	assert.Equal(t, []string{a, b}, idsOf(restored.ListPending()))
}

func TestStore_LoadSkipsInvalid(t *testing.T) {
	p := &memPersister{saved: []*models.Operation{
		{ID: "ok", Priority: models.PriorityLow, MaxRetries: 3, Timestamp: t0},
		{ID: "ok", Priority: models.PriorityLow, MaxRetries: 3, Timestamp: t0},
		{ID: "spent", Priority: models.PriorityLow, MaxRetries: 2, RetryCount: 2, Timestamp: t0},
		nil,
	}}
	s := NewStore(Options{Persister: p})

	assert.Equal(t, 1, s.Load(context.Background()))
}

func TestStore_LoadFailureStartsEmpty(t *testing.T) {
	p := &memPersister{loadErr: apperrors.New(apperrors.ErrPersistenceLoad, "disk gone")}
	s := NewStore(Options{Persister: p})

	assert.Equal(t, 0, s.Load(context.Background()))
	assert.Equal(t, 0, s.Size())
}

func TestStore_SaveFailureKeepsMemory(t *testing.T) {
	var saveErrs int
	p := &memPersister{saveErr: errors.New("read-only filesystem")}
	s := NewStore(Options{Persister: p, OnSaveError: func(error) { saveErrs++ }})

	id, err := s.Add(context.Background(), createTestOp(models.PriorityHigh))
	require.NoError(t, err)
	_, ok := s.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 1, saveErrs)
}

func TestStore_ClearPersistsEmpty(t *testing.T) {
	s, clock, p := createTestStore(10)
	addAt(t, s, clock, 0, models.PriorityHigh)
	addAt(t, s, clock, 0, models.PriorityLow)

	assert.Equal(t, 2, s.Clear(context.Background()))
	assert.Equal(t, 0, s.Size())
	assert.Empty(t, p.saved)
	assert.NotNil(t, p.saved)
}

func TestStore_ConcurrentAdds(t *testing.T) {
	s, _, p := createTestStore(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(context.Background(), createTestOp(models.PriorityMedium))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Size())
	assert.Len(t, p.saved, 50, "last written snapshot should be the newest")
}

func idsOf(ops []*models.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
