package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	syncpkg "github.com/kimhsiao/hrdesk/internal/sync"
	"github.com/kimhsiao/hrdesk/internal/sync/stats"
)

// fakeRunner records pass invocations.
type fakeRunner struct {
	runs    atomic.Int32
	forces  atomic.Int32
	running atomic.Bool
	online  atomic.Bool
}

func (f *fakeRunner) Run(ctx context.Context) (stats.PassResult, bool) {
	if !f.online.Load() {
		return stats.PassResult{}, false
	}
	f.runs.Add(1)
	return stats.PassResult{Success: 1}, true
}

func (f *fakeRunner) Force(ctx context.Context) (stats.PassResult, error) {
	if f.running.Load() {
		return stats.PassResult{}, syncpkg.ErrSyncInProgress
	}
	f.forces.Add(1)
	return stats.PassResult{Success: 2}, nil
}

func (f *fakeRunner) Running() bool { return f.running.Load() }

func createTestScheduler(t *testing.T, pending int) (*Scheduler, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	runner.online.Store(true)
	s := NewScheduler(runner, func() int { return pending }, &SchedulerConfig{
		DebounceDelay: 20 * time.Millisecond,
		RetryInterval: time.Hour,
	})
	t.Cleanup(s.Stop)
	return s, runner
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestNewScheduler_defaults verifies zero config values are filled in.
func TestNewScheduler_defaults(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, nil, &SchedulerConfig{})
	defaults := DefaultSchedulerConfig()

	if s.config.DebounceDelay != defaults.DebounceDelay {
		t.Errorf("DebounceDelay = %v, want %v", s.config.DebounceDelay, defaults.DebounceDelay)
	}
	if s.config.RetryInterval != defaults.RetryInterval {
		t.Errorf("RetryInterval = %v, want %v", s.config.RetryInterval, defaults.RetryInterval)
	}
	if s.pending() != 0 {
		t.Error("nil pending func should report zero")
	}
}

// TestScheduler_StartStop verifies start and stop are idempotent.
func TestScheduler_StartStop(t *testing.T) {
	s, _ := createTestScheduler(t, 0)

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("scheduler should be running")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}
}

// =====================================================
// Debounce Tests
// =====================================================

// TestScheduler_RequestSync_coalesces verifies a burst yields one pass.
func TestScheduler_RequestSync_coalesces(t *testing.T) {
	s, runner := createTestScheduler(t, 1)
	s.SetOnlineStatus(true)
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		s.RequestSync()
	}
	if !s.GetStatus().DebouncePending {
		t.Error("debounce should be pending after request")
	}

	waitFor(t, func() bool { return runner.runs.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := runner.runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	if s.GetStatus().LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a pass")
	}
}

// TestScheduler_RequestSync_ignored verifies requests while offline, stopped, or busy.
func TestScheduler_RequestSync_ignored(t *testing.T) {
	s, runner := createTestScheduler(t, 1)

	s.RequestSync()
	if s.GetStatus().DebouncePending {
		t.Error("request before Start should be ignored")
	}

	s.Start(context.Background())
	s.RequestSync()
	if s.GetStatus().DebouncePending {
		t.Error("request while offline should be ignored")
	}

	s.SetOnlineStatus(true)
	runner.running.Store(true)
	s.RequestSync()
	if s.GetStatus().DebouncePending {
		t.Error("request while a pass is running should not start a debounce window")
	}
}

// TestScheduler_Stop_cancelsPending verifies a pending pass never runs after Stop.
func TestScheduler_Stop_cancelsPending(t *testing.T) {
	s, runner := createTestScheduler(t, 1)
	s.SetOnlineStatus(true)
	s.Start(context.Background())

	s.RequestSync()
	s.Stop()
	time.Sleep(60 * time.Millisecond)

	if got := runner.runs.Load(); got != 0 {
		t.Errorf("runs = %d, want 0", got)
	}
}

// =====================================================
// Signal Tests
// =====================================================

// TestScheduler_BecameOnline verifies the edge triggers a pass and the callback.
func TestScheduler_BecameOnline(t *testing.T) {
	s, runner := createTestScheduler(t, 1)

	var mu sync.Mutex
	var edges []bool
	s.OnOnlineChange(func(online bool) {
		mu.Lock()
		edges = append(edges, online)
		mu.Unlock()
	})

	s.Start(context.Background())
	s.BecameOnline()
	s.BecameOnline()

	waitFor(t, func() bool { return runner.runs.Load() == 1 })

	s.BecameOffline()
	if s.IsOnline() {
		t.Error("scheduler should be offline")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(edges) != 2 || !edges[0] || edges[1] {
		t.Errorf("edges = %v, want [true false]", edges)
	}
}

// TestScheduler_BecameOffline_cancelsPending verifies going offline drops the debounce.
func TestScheduler_BecameOffline_cancelsPending(t *testing.T) {
	s, runner := createTestScheduler(t, 1)
	s.Start(context.Background())

	s.BecameOnline()
	s.BecameOffline()
	time.Sleep(60 * time.Millisecond)

	if got := runner.runs.Load(); got != 0 {
		t.Errorf("runs = %d, want 0", got)
	}
}

// TestScheduler_BecameVisible verifies visibility only triggers with pending work.
func TestScheduler_BecameVisible(t *testing.T) {
	idle, _ := createTestScheduler(t, 0)
	idle.SetOnlineStatus(true)
	idle.Start(context.Background())
	idle.BecameVisible()
	if idle.GetStatus().DebouncePending {
		t.Error("visibility with nothing pending should not schedule a pass")
	}

	busy, runner := createTestScheduler(t, 3)
	busy.SetOnlineStatus(true)
	busy.Start(context.Background())
	busy.BecameVisible()
	waitFor(t, func() bool { return runner.runs.Load() == 1 })
}

// TestScheduler_ExternalSyncNotice verifies the pulse schedules a pass.
func TestScheduler_ExternalSyncNotice(t *testing.T) {
	s, runner := createTestScheduler(t, 0)
	s.SetOnlineStatus(true)
	s.Start(context.Background())

	s.ExternalSyncNotice()
	waitFor(t, func() bool { return runner.runs.Load() == 1 })
}

// =====================================================
// Force and Retry Tests
// =====================================================

// TestScheduler_ForceSync verifies the forced path and its busy error.
func TestScheduler_ForceSync(t *testing.T) {
	s, runner := createTestScheduler(t, 1)

	result, err := s.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync() error = %v", err)
	}
	if result.Success != 2 {
		t.Errorf("Success = %d, want 2", result.Success)
	}

	runner.running.Store(true)
	if _, err := s.ForceSync(context.Background()); err != syncpkg.ErrSyncInProgress {
		t.Errorf("ForceSync() error = %v, want ErrSyncInProgress", err)
	}
}

// TestScheduler_retryLoop verifies the periodic tick runs passes when there is work.
func TestScheduler_retryLoop(t *testing.T) {
	runner := &fakeRunner{}
	runner.online.Store(true)
	s := NewScheduler(runner, func() int { return 1 }, &SchedulerConfig{
		DebounceDelay: time.Hour,
		RetryInterval: 10 * time.Millisecond,
	})
	defer s.Stop()

	s.SetOnlineStatus(true)
	s.Start(context.Background())

	waitFor(t, func() bool { return runner.runs.Load() >= 2 })
}

// TestScheduler_retryLoop_offline verifies no ticks run while offline.
func TestScheduler_retryLoop_offline(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, func() int { return 1 }, &SchedulerConfig{
		RetryInterval: 10 * time.Millisecond,
	})
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if got := runner.runs.Load(); got != 0 {
		t.Errorf("runs = %d, want 0", got)
	}
}

// followUpRunner reports deferred work on its first pass only.
type followUpRunner struct {
	fakeRunner
}

func (f *followUpRunner) Run(ctx context.Context) (stats.PassResult, bool) {
	n := f.runs.Add(1)
	if n == 1 {
		return stats.PassResult{Success: 1, Deferred: 1}, true
	}
	return stats.PassResult{}, true
}

// TestScheduler_followUpPass verifies a pass that unblocked dependents schedules another.
func TestScheduler_followUpPass(t *testing.T) {
	runner := &followUpRunner{}
	s := NewScheduler(runner, func() int { return 1 }, &SchedulerConfig{
		DebounceDelay: 10 * time.Millisecond,
		RetryInterval: time.Hour,
	})
	defer s.Stop()

	s.SetOnlineStatus(true)
	s.Start(context.Background())
	s.RequestSync()

	waitFor(t, func() bool { return runner.runs.Load() == 2 })
	time.Sleep(40 * time.Millisecond)
	if got := runner.runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

// blockingRunner holds its first pass open until released.
type blockingRunner struct {
	fakeRunner
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context) (stats.PassResult, bool) {
	if b.runs.Add(1) == 1 {
		b.running.Store(true)
		close(b.entered)
		<-b.release
		b.running.Store(false)
	}
	return stats.PassResult{Success: 1}, true
}

// TestScheduler_requestDuringPassRunsAfter verifies a request made while a
// pass runs is served right after it, not on the retry tick.
func TestScheduler_requestDuringPassRunsAfter(t *testing.T) {
	runner := &blockingRunner{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewScheduler(runner, func() int { return 1 }, &SchedulerConfig{
		DebounceDelay: 10 * time.Millisecond,
		RetryInterval: time.Hour,
	})
	defer s.Stop()

	s.SetOnlineStatus(true)
	s.Start(context.Background())
	s.RequestSync()
	<-runner.entered

	s.RequestSync()
	if s.GetStatus().DebouncePending {
		t.Error("no debounce window should open while the pass runs")
	}
	close(runner.release)

	waitFor(t, func() bool { return runner.runs.Load() == 2 })
	time.Sleep(40 * time.Millisecond)
	if got := runner.runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}
