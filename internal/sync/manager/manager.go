// Package manager is the entry point producers and observers use. It wires the
// operation store, processor, conflict resolver, scheduler and persistence
// into one queue.
package manager

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/logging"
	"github.com/kimhsiao/hrdesk/internal/models"
	syncpkg "github.com/kimhsiao/hrdesk/internal/sync"
	"github.com/kimhsiao/hrdesk/internal/sync/conflict"
	"github.com/kimhsiao/hrdesk/internal/sync/persist"
	"github.com/kimhsiao/hrdesk/internal/sync/queue"
	"github.com/kimhsiao/hrdesk/internal/sync/scheduler"
	"github.com/kimhsiao/hrdesk/internal/sync/stats"
	"github.com/kimhsiao/hrdesk/internal/validation"
)

// Options wires a Manager.
type Options struct {
	// Adapter persists operations, config and conflict history. Required.
	Adapter *persist.Adapter
	// Sender delivers operations. Required.
	Sender syncpkg.Sender
	// Notifier receives manual conflicts. Optional.
	Notifier conflict.Notifier
	// Config, when set, replaces any persisted configuration.
	Config *models.SyncConfig
	// Scheduler tuning; nil uses defaults.
	Scheduler *scheduler.SchedulerConfig
	// Online is the initial connectivity state.
	Online bool
	// BatchPause overrides the pause between batches.
	BatchPause time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// EnqueueRequest describes an operation a producer wants delivered.
type EnqueueRequest struct {
	Type         string            `json:"type" validate:"required,max=64"`
	Priority     models.Priority   `json:"priority" validate:"required,oneof=high medium low"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Endpoint     string            `json:"endpoint" validate:"required"`
	Method       string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	OwnerID      string            `json:"owner_id" validate:"required"`
	MaxRetries   int               `json:"max_retries" validate:"gte=0,lte=100"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty" validate:"dive,required"`
}

// Manager is the offline operation queue facade.
type Manager struct {
	adapter   *persist.Adapter
	sender    syncpkg.Sender
	store     *queue.Store
	tracker   *stats.Tracker
	resolver  *conflict.Resolver
	processor *syncpkg.Processor
	scheduler *scheduler.Scheduler

	cfgMu sync.RWMutex
	cfg   models.SyncConfig

	closeOnce sync.Once
}

// New builds a Manager and restores persisted state. Corrupt or unreadable
// state is discarded and logged; New only fails on invalid options.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Adapter == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "persistence adapter is required")
	}
	if opts.Sender == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "sender is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{adapter: opts.Adapter, sender: opts.Sender}

	cfg, err := m.initialConfig(ctx, opts.Config)
	if err != nil {
		return nil, err
	}
	m.cfg = cfg

	m.store = queue.NewStore(queue.Options{
		Capacity:  cfg.MaxOperations,
		Persister: opts.Adapter,
		Now:       opts.Now,
		OnEvict: func(op *models.Operation) {
			m.tracker.RecordDropped(1)
		},
		OnSaveError: func(err error) {
			m.tracker.RecordSaveFailure()
		},
	})
	m.tracker = stats.NewTracker(m.store.Counts)
	m.tracker.SetClock(opts.Now)

	m.resolver = conflict.NewResolver(opts.Notifier)
	m.resolver.SetClock(opts.Now)

	m.processor = syncpkg.NewProcessor(syncpkg.ProcessorOptions{
		Store:      m.store,
		Sender:     opts.Sender,
		Resolver:   m.resolver,
		Tracker:    m.tracker,
		Config:     m.Config,
		Online:     m.tracker.Online,
		Now:        opts.Now,
		BatchPause: opts.BatchPause,
		AfterPass:  m.afterPass,
	})

	m.scheduler = scheduler.NewScheduler(m.processor, m.sendable, opts.Scheduler)
	m.scheduler.OnOnlineChange(m.tracker.SetOnline)
	m.scheduler.SetOnlineStatus(opts.Online)

	m.store.SetOnAdd(func(op *models.Operation) {
		if m.Config().Enabled {
			m.scheduler.RequestSync()
		}
	})

	m.store.Load(ctx)
	if logs, err := opts.Adapter.LoadConflicts(ctx); err != nil {
		logging.Warn("Failed to load conflict history", map[string]interface{}{"error": err.Error()})
	} else {
		m.resolver.Restore(logs)
	}

	return m, nil
}

// initialConfig picks explicit config over persisted config over defaults.
func (m *Manager) initialConfig(ctx context.Context, explicit *models.SyncConfig) (models.SyncConfig, error) {
	if explicit != nil {
		cfg := explicit.WithDefaults()
		if err := validation.Struct(cfg); err != nil {
			return models.SyncConfig{}, apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid sync config", err)
		}
		if err := m.adapter.SaveConfig(ctx, cfg); err != nil {
			logging.Warn("Failed to persist sync config", map[string]interface{}{"error": err.Error()})
		}
		return cfg, nil
	}

	cfg, found, err := m.adapter.LoadConfig(ctx)
	if err != nil || !found {
		return models.DefaultSyncConfig(), nil
	}
	cfg = cfg.WithDefaults()
	if err := validation.Struct(cfg); err != nil {
		logging.Warn("Persisted sync config is invalid, using defaults", map[string]interface{}{"error": err.Error()})
		return models.DefaultSyncConfig(), nil
	}
	return cfg, nil
}

// Start begins scheduling passes. Operations restored from storage are
// picked up right away when online.
func (m *Manager) Start(ctx context.Context) {
	m.scheduler.Start(ctx)
	if m.sendable() > 0 && m.Config().Enabled {
		m.scheduler.RequestSync()
	}
	m.tracker.Notify()
}

// Stop halts scheduling and waits for a running pass.
func (m *Manager) Stop() {
	m.scheduler.Stop()
}

// Close stops the manager and releases the persistence backend.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.Stop()
		err = m.adapter.Close()
	})
	return err
}

// Enqueue validates req and stores it. It never blocks on the network.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if err := validation.Struct(req); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid enqueue request", err)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return "", apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
	}

	id, err := m.store.Add(ctx, &models.Operation{
		Type:         req.Type,
		Priority:     req.Priority,
		Payload:      req.Payload,
		Endpoint:     req.Endpoint,
		Method:       req.Method,
		OwnerID:      req.OwnerID,
		MaxRetries:   req.MaxRetries,
		Metadata:     req.Metadata,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		return "", err
	}
	m.tracker.Notify()
	return id, nil
}

// Remove cancels a pending operation. A send already in flight is not recalled.
func (m *Manager) Remove(ctx context.Context, id string) bool {
	ok := m.store.Remove(ctx, id)
	if ok {
		m.tracker.Notify()
	}
	return ok
}

// Get returns a copy of the operation.
func (m *Manager) Get(id string) (*models.Operation, bool) {
	return m.store.Get(id)
}

// ListPending returns operations in processing order.
func (m *Manager) ListPending() []*models.Operation {
	return m.store.ListPending()
}

// ListPendingByOwner returns ownerID's operations in processing order.
func (m *Manager) ListPendingByOwner(ownerID string) []*models.Operation {
	return m.store.ListPendingByOwner(ownerID)
}

// Clear discards every pending operation.
func (m *Manager) Clear(ctx context.Context) int {
	n := m.store.Clear(ctx)
	m.tracker.Notify()
	return n
}

// ClearOwner discards ownerID's operations and cached credentials, e.g. on logout.
func (m *Manager) ClearOwner(ctx context.Context, ownerID string) int {
	n := m.store.ClearOwner(ctx, ownerID)
	if f, ok := m.sender.(syncpkg.OwnerForgetter); ok {
		f.Forget(ownerID)
	}
	m.tracker.Notify()
	return n
}

// ForceSync runs a pass now. It fails with an SYNC_IN_PROGRESS, SYNC_OFFLINE
// or SYNC_DISABLED AppError when no pass can start.
func (m *Manager) ForceSync(ctx context.Context) (stats.PassResult, error) {
	return m.scheduler.ForceSync(ctx)
}

// RequestSync asks for a debounced pass.
func (m *Manager) RequestSync() {
	if m.Config().Enabled {
		m.scheduler.RequestSync()
	}
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() models.SyncConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.Clone()
}

// Reconfigure validates, applies and persists cfg. Shrinking MaxOperations
// evicts the oldest operations.
func (m *Manager) Reconfigure(ctx context.Context, cfg models.SyncConfig) error {
	cfg = cfg.WithDefaults()
	if err := validation.Struct(cfg); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid sync config", err)
	}

	m.cfgMu.Lock()
	wasEnabled := m.cfg.Enabled
	m.cfg = cfg.Clone()
	m.cfgMu.Unlock()

	evicted := m.store.SetCapacity(ctx, cfg.MaxOperations)

	if err := m.adapter.SaveConfig(ctx, cfg); err != nil {
		m.tracker.RecordSaveFailure()
		logging.ErrorWithCode("Failed to persist sync config", string(apperrors.CodeOf(err)), err)
	}

	logging.Info("Sync config updated", map[string]interface{}{
		"enabled":             cfg.Enabled,
		"max_operations":      cfg.MaxOperations,
		"batch_size":          cfg.BatchSize,
		"conflict_resolution": string(cfg.ConflictResolution),
		"evicted":             len(evicted),
	})

	if cfg.Enabled && !wasEnabled {
		m.scheduler.RequestSync()
	}
	m.tracker.Notify()
	return nil
}

// ResolveConflict settles an operation parked by the manual strategy.
// keepClient re-sends it with the override marker; otherwise it is discarded.
func (m *Manager) ResolveConflict(ctx context.Context, id string, keepClient bool) error {
	resend, err := m.store.ResolveManual(ctx, id, keepClient)
	if err != nil {
		return err
	}
	logging.Info("Manual conflict resolved", map[string]interface{}{
		"id":          id,
		"keep_client": keepClient,
	})
	if resend {
		m.RequestSync()
	}
	m.tracker.Notify()
	return nil
}

// Conflicts returns recent conflict records, oldest first.
func (m *Manager) Conflicts() []*models.ConflictLog {
	return m.resolver.History()
}

// Subscribe registers a stats listener.
func (m *Manager) Subscribe(fn stats.Listener) stats.Subscription {
	return m.tracker.Subscribe(fn)
}

// Unsubscribe removes a stats listener.
func (m *Manager) Unsubscribe(sub stats.Subscription) {
	m.tracker.Unsubscribe(sub)
}

// Stats returns the current stats snapshot.
func (m *Manager) Stats() stats.Snapshot {
	return m.tracker.Snapshot()
}

// Signals returns the inbound platform contract.
func (m *Manager) Signals() scheduler.Signals {
	return m.scheduler
}

// SchedulerStatus returns the scheduler view.
func (m *Manager) SchedulerStatus() scheduler.SchedulerStatus {
	return m.scheduler.GetStatus()
}

// sendable counts operations an automatic pass could attempt.
func (m *Manager) sendable() int {
	total, awaiting := m.store.Counts()
	return total - awaiting
}

func (m *Manager) afterPass(ctx context.Context, result stats.PassResult) {
	if result.Conflicts == 0 {
		return
	}
	// Conflict history survives restarts; ctx may already be cancelled on shutdown.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.adapter.SaveConflicts(saveCtx, m.resolver.History()); err != nil {
		m.tracker.RecordSaveFailure()
		logging.ErrorWithCode("Failed to persist conflict history", string(apperrors.CodeOf(err)), err)
	}
}
