package sync

import (
	"context"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/logging"
	"github.com/kimhsiao/hrdesk/internal/models"
	"github.com/kimhsiao/hrdesk/internal/sync/conflict"
	"github.com/kimhsiao/hrdesk/internal/sync/queue"
	"github.com/kimhsiao/hrdesk/internal/sync/stats"
)

// DefaultBatchPause is the pause between consecutive batches of one pass.
const DefaultBatchPause = 100 * time.Millisecond

// Sentinel errors returned by Force.
var (
	ErrSyncInProgress   = apperrors.New(apperrors.ErrSyncInProgress, "already syncing")
	ErrOffline          = apperrors.New(apperrors.ErrSyncOffline, "offline")
	ErrSyncDisabled     = apperrors.New(apperrors.ErrSyncDisabled, "sync disabled")
	ErrDependencyFailed = apperrors.New(apperrors.ErrSyncDependency, "dependency was dropped without delivery")
)

// ProcessorOptions wires a Processor.
type ProcessorOptions struct {
	Store    *queue.Store
	Sender   Sender
	Resolver *conflict.Resolver
	Tracker  *stats.Tracker
	// Config returns the current configuration. Required.
	Config func() models.SyncConfig
	// Online reports connectivity. Required.
	Online func() bool
	// Now defaults to time.Now.
	Now func() time.Time
	// BatchPause defaults to DefaultBatchPause.
	BatchPause time.Duration
	// AfterPass runs once a pass has finished and its stats are recorded.
	AfterPass func(ctx context.Context, result stats.PassResult)
}

// Processor runs batch sync passes over the store.
type Processor struct {
	store      *queue.Store
	sender     Sender
	resolver   *conflict.Resolver
	tracker    *stats.Tracker
	config     func() models.SyncConfig
	online     func() bool
	now        func() time.Time
	batchPause time.Duration
	afterPass  func(ctx context.Context, result stats.PassResult)

	running atomic.Bool
}

// NewProcessor creates a Processor.
func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BatchPause <= 0 {
		opts.BatchPause = DefaultBatchPause
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.NewResolver(nil)
	}
	if opts.Tracker == nil {
		opts.Tracker = stats.NewTracker(opts.Store.Counts)
	}
	return &Processor{
		store:      opts.Store,
		sender:     opts.Sender,
		resolver:   opts.Resolver,
		tracker:    opts.Tracker,
		config:     opts.Config,
		online:     opts.Online,
		now:        opts.Now,
		batchPause: opts.BatchPause,
		afterPass:  opts.AfterPass,
	}
}

// Running reports whether a pass is in progress.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Run performs an automatic pass. Operations still inside their backoff
// window are skipped.
func (p *Processor) Run(ctx context.Context) (stats.PassResult, bool) {
	if !p.online() || !p.config().Enabled {
		return stats.PassResult{}, false
	}
	if !p.running.CompareAndSwap(false, true) {
		return stats.PassResult{}, false
	}
	defer p.running.Store(false)

	return p.pass(ctx, false), true
}

// Force performs a pass immediately, ignoring backoff windows.
func (p *Processor) Force(ctx context.Context) (stats.PassResult, error) {
	if !p.online() {
		return stats.PassResult{}, ErrOffline
	}
	if !p.config().Enabled {
		return stats.PassResult{}, ErrSyncDisabled
	}
	if !p.running.CompareAndSwap(false, true) {
		return stats.PassResult{}, ErrSyncInProgress
	}
	defer p.running.Store(false)

	return p.pass(ctx, true), nil
}

func (p *Processor) pass(ctx context.Context, force bool) stats.PassResult {
	cfg := p.config()
	started := p.now()
	p.tracker.BeginPass()

	var result stats.PassResult
	eligible := p.selectEligible(ctx, force, &result)

	logging.Info("Sync pass started", map[string]interface{}{
		"eligible":   len(eligible),
		"deferred":   result.Deferred,
		"batch_size": cfg.BatchSize,
		"forced":     force,
	})

	for start := 0; start < len(eligible); start += cfg.BatchSize {
		if start > 0 {
			if !p.pause(ctx) || !p.online() {
				result.Deferred += len(eligible) - start
				break
			}
		}
		end := start + cfg.BatchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		for _, op := range eligible[start:end] {
			if ctx.Err() != nil {
				break
			}
			p.deliver(ctx, op, cfg, &result)
		}
	}

	p.tracker.EndPass(result)

	logging.Info("Sync pass completed", map[string]interface{}{
		"success":   result.Success,
		"failure":   result.Failure,
		"dropped":   result.Dropped,
		"conflicts": result.Conflicts,
		"deferred":  result.Deferred,
		"duration":  p.now().Sub(started).String(),
	})

	if p.afterPass != nil {
		p.afterPass(ctx, result)
	}
	return result
}

// selectEligible snapshots the store in priority order and filters out
// operations that must not be sent in this pass.
func (p *Processor) selectEligible(ctx context.Context, force bool, result *stats.PassResult) []*models.Operation {
	now := p.now()
	pending := p.store.ListPending()
	eligible := make([]*models.Operation, 0, len(pending))

	for _, op := range pending {
		if op.AwaitingManual() {
			continue
		}
		if !force && !op.EligibleAt(now) {
			result.Deferred++
			continue
		}
		switch p.dependencyState(op) {
		case dependencyWaiting:
			result.Deferred++
			continue
		case dependencyFailed:
			if p.store.Drop(ctx, op.ID) {
				result.Failure++
				result.Dropped++
				logging.ErrorWithCode("Operation dropped, dependency failed",
					string(apperrors.ErrSyncDependency), ErrDependencyFailed,
					map[string]interface{}{"id": op.ID, "dependencies": op.Dependencies})
			}
			continue
		}
		eligible = append(eligible, op)
	}
	return eligible
}

type dependencyStatus int

const (
	dependencySatisfied dependencyStatus = iota
	dependencyWaiting
	dependencyFailed
)

// dependencyState checks declared dependencies: a dependency still stored is
// waiting, one dropped without delivery is failed, anything else is done.
func (p *Processor) dependencyState(op *models.Operation) dependencyStatus {
	status := dependencySatisfied
	for _, dep := range op.Dependencies {
		if dep == "" || dep == op.ID {
			continue
		}
		if p.store.Failed(dep) {
			return dependencyFailed
		}
		if _, ok := p.store.Get(dep); ok {
			status = dependencyWaiting
		}
	}
	return status
}

// deliver makes exactly one attempt for op and applies the outcome. An
// operation removed from the store since the pass snapshot is skipped and
// not counted.
func (p *Processor) deliver(ctx context.Context, op *models.Operation, cfg models.SyncConfig, result *stats.PassResult) {
	current, ok := p.store.Get(op.ID)
	if !ok || current.AwaitingManual() {
		logging.Debug("Skipping operation removed during pass", map[string]interface{}{
			"id": op.ID,
		})
		return
	}
	op = current

	resp, err := p.send(ctx, op, op.Override, result)
	if err != nil {
		p.fail(ctx, op, cfg, err, result)
		return
	}

	switch {
	case resp.OK():
		p.store.Remove(ctx, op.ID)
		result.Success++
	case resp.StatusCode == 409:
		result.Conflicts++
		p.handleConflict(ctx, op, cfg, resp, result)
	default:
		p.fail(ctx, op, cfg, apperrors.Wrap(apperrors.ErrSyncServerError, "server rejected operation",
			&HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(resp.Body), 256)}), result)
	}
}

func (p *Processor) handleConflict(ctx context.Context, op *models.Operation, cfg models.SyncConfig, resp *Response, result *stats.PassResult) {
	resend := func(ctx context.Context, op *models.Operation) error {
		r, err := p.send(ctx, op, true, result)
		if err != nil {
			return err
		}
		if !r.OK() {
			return &HTTPError{StatusCode: r.StatusCode, Body: truncate(string(r.Body), 256)}
		}
		return nil
	}

	out := p.resolver.Resolve(ctx, cfg.ConflictResolution, &conflict.Conflict{
		Operation:  op,
		ServerData: resp.Body,
	}, resend)

	switch {
	case out.Success:
		p.store.Remove(ctx, op.ID)
		result.Success++
	case out.Manual:
		p.store.MarkAwaitingManual(ctx, op.ID)
		result.Failure++
	default:
		if conflict.IsConflictError(out.Err) {
			logging.ErrorWithCode("Conflict strategy could not run", string(apperrors.ErrSyncConflict), out.Err,
				map[string]interface{}{"id": op.ID, "strategy": string(cfg.ConflictResolution)})
		}
		p.fail(ctx, op, cfg, apperrors.Wrap(apperrors.ErrSyncConflict, "conflict unresolved", out.Err), result)
	}
}

func (p *Processor) send(ctx context.Context, op *models.Operation, override bool, result *stats.PassResult) (*Response, error) {
	start := time.Now()
	resp, err := p.sender.Send(ctx, op, override)
	result.Attempts++
	result.Elapsed += time.Since(start)
	return resp, err
}

// fail counts a retryable failure. The store drops the operation once its
// retry ceiling is reached.
func (p *Processor) fail(ctx context.Context, op *models.Operation, cfg models.SyncConfig, cause error, result *stats.PassResult) {
	result.Failure++
	if ctx.Err() != nil {
		// Shutdown interrupted the send; it does not count toward the ceiling.
		return
	}
	next := p.now().Add(cfg.RetryDelay(op.RetryCount + 1))
	if res := p.store.RecordFailure(ctx, op.ID, cause, next); res.Dropped {
		result.Dropped++
	}
}

// pause waits between batches. It returns false if ctx ends first.
func (p *Processor) pause(ctx context.Context) bool {
	timer := time.NewTimer(p.batchPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
