// Package scheduler decides when sync passes run: on connectivity and
// visibility signals, after new operations, and on a periodic retry tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/hrdesk/internal/logging"
	syncpkg "github.com/kimhsiao/hrdesk/internal/sync"
	"github.com/kimhsiao/hrdesk/internal/sync/stats"
)

// Signals is the inbound platform contract: two connectivity edges and two pulses.
type Signals interface {
	BecameOnline()
	BecameOffline()
	BecameVisible()
	ExternalSyncNotice()
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DebounceDelay time.Duration // Delay before a requested pass runs (default: 1 second)
	RetryInterval time.Duration // Periodic tick that picks up backoff-deferred work (default: 30 seconds)
	PassTimeout   time.Duration // Upper bound for one automatic pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DebounceDelay: 1 * time.Second,
		RetryInterval: 30 * time.Second,
		PassTimeout:   5 * time.Minute,
	}
}

// Scheduler turns signals into debounced sync passes.
type Scheduler struct {
	runner  syncpkg.PassRunner
	pending func() int
	config  SchedulerConfig

	onOnlineChange func(online bool)

	mu           sync.RWMutex
	baseCtx      context.Context
	stopCh       chan struct{}
	wg           sync.WaitGroup
	isRunning    bool
	isOnline     bool
	timer        *time.Timer
	lastSyncTime time.Time
	// requestedDuringPass records a request that arrived while a pass ran.
	requestedDuringPass bool
}

// NewScheduler creates a Scheduler. pending reports how many operations could
// be sent and is used to ignore visibility pulses when there is nothing to do.
func NewScheduler(runner syncpkg.PassRunner, pending func() int, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = defaults.DebounceDelay
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = defaults.PassTimeout
	}
	if pending == nil {
		pending = func() int { return 0 }
	}

	return &Scheduler{
		runner:  runner,
		pending: pending,
		config:  cfg,
		stopCh:  make(chan struct{}),
	}
}

// OnOnlineChange registers a callback for connectivity edges.
func (s *Scheduler) OnOnlineChange(fn func(online bool)) {
	s.mu.Lock()
	s.onOnlineChange = fn
	s.mu.Unlock()
}

// Start starts the periodic retry loop. Passes run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.baseCtx = ctx
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.retryLoop(ctx)

	logging.Info("Sync scheduler started", map[string]interface{}{
		"debounce":       s.config.DebounceDelay.String(),
		"retry_interval": s.config.RetryInterval.String(),
	})
}

// Stop cancels any pending debounced pass and waits for running work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// BecameOnline handles the offline to online edge.
func (s *Scheduler) BecameOnline() {
	if s.setOnline(true) {
		s.RequestSync()
	}
}

// BecameOffline handles the online to offline edge.
func (s *Scheduler) BecameOffline() {
	if s.setOnline(false) {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
	}
}

// BecameVisible requests a pass if there is work to send.
func (s *Scheduler) BecameVisible() {
	if s.pending() > 0 {
		s.RequestSync()
	}
}

// ExternalSyncNotice requests a pass after another context reported sync activity.
func (s *Scheduler) ExternalSyncNotice() {
	s.RequestSync()
}

// SetOnlineStatus sets connectivity without triggering a pass. Used for the
// initial state.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.setOnline(isOnline)
}

func (s *Scheduler) setOnline(online bool) bool {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = online
	cb := s.onOnlineChange
	s.mu.Unlock()

	if wasOnline == online {
		return false
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  online,
	})
	if cb != nil {
		cb(online)
	}
	return true
}

// RequestSync schedules a pass after the debounce delay. Requests inside the
// window restart it, so a burst results in one pass. Requests are ignored
// while offline or stopped; requests made while a pass is running coalesce
// into one follow-up request once it finishes.
func (s *Scheduler) RequestSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning || !s.isOnline {
		return
	}
	if s.runner.Running() {
		s.requestedDuringPass = true
		logging.Debug("Sync already in progress, request deferred", nil)
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.config.DebounceDelay, s.fire)
}

// fire runs the debounced pass.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.runPass(ctx)
}

// retryLoop periodically retries operations whose backoff has elapsed.
func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetryInterval)
	defer ticker.Stop()

	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() || s.pending() == 0 {
				continue
			}
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, s.config.PassTimeout)
	defer cancel()

	result, ran := s.runner.Run(passCtx)
	if !ran {
		return
	}
	s.passFinished(result)
}

// passFinished records the pass and schedules a follow-up when a request
// arrived during it, or when deliveries may have unblocked deferred dependents.
func (s *Scheduler) passFinished(result stats.PassResult) {
	s.mu.Lock()
	s.lastSyncTime = time.Now()
	requested := s.requestedDuringPass
	s.requestedDuringPass = false
	s.mu.Unlock()

	if requested || (result.Success > 0 && result.Deferred > 0) {
		s.RequestSync()
	}
}

// ForceSync runs a pass immediately, bypassing the debounce. It fails with
// syncpkg.ErrSyncInProgress if a pass is already running.
func (s *Scheduler) ForceSync(ctx context.Context) (stats.PassResult, error) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	result, err := s.runner.Force(ctx)
	if err != nil {
		return result, err
	}
	s.passFinished(result)
	return result, nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool
	IsOnline        bool
	LastSyncTime    *time.Time
	SyncInProgress  bool
	DebouncePending bool
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		SyncInProgress:  s.runner.Running(),
		DebouncePending: s.timer != nil,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

var _ Signals = (*Scheduler)(nil)
