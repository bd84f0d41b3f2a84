// Package conflict decides what happens to an operation the server rejected
// with a version conflict (HTTP 409).
package conflict

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/hrdesk/internal/logging"
	"github.com/kimhsiao/hrdesk/internal/models"
)

// DefaultHistoryLimit bounds the number of conflict logs kept in memory.
const DefaultHistoryLimit = 200

// Notifier receives one call per manual-strategy conflict occurrence.
type Notifier interface {
	NotifyConflict(ctx context.Context, log *models.ConflictLog, op *models.Operation)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, log *models.ConflictLog, op *models.Operation)

// NotifyConflict calls f.
func (f NotifierFunc) NotifyConflict(ctx context.Context, log *models.ConflictLog, op *models.Operation) {
	f(ctx, log, op)
}

// Resender re-sends an operation with the client-wins override marker.
// A nil error means the server accepted it.
type Resender func(ctx context.Context, op *models.Operation) error

// Conflict is one 409 response for one operation.
type Conflict struct {
	Operation  *models.Operation
	ServerData []byte
}

// Outcome tells the processor what to do with the operation.
type Outcome struct {
	// Success: remove the operation and count a success.
	Success bool
	// Manual: park the operation for a human decision and count a failure.
	Manual bool
	// Err is set for a failure that counts toward the retry ceiling.
	Err error
	Log *models.ConflictLog
}

// Resolver applies the configured conflict strategy.
type Resolver struct {
	notifier Notifier
	now      func() time.Time
	limit    int

	mu      sync.Mutex
	history []*models.ConflictLog
}

// NewResolver creates a Resolver. notifier may be nil.
func NewResolver(notifier Notifier) *Resolver {
	return &Resolver{
		notifier: notifier,
		now:      time.Now,
		limit:    DefaultHistoryLimit,
	}
}

// SetClock replaces the time source.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Resolve handles a conflict with strategy. resend is only used by client_wins.
func (r *Resolver) Resolve(ctx context.Context, strategy models.ConflictResolution, c *Conflict, resend Resender) Outcome {
	if c == nil || c.Operation == nil {
		return Outcome{Err: ErrInvalidConflict}
	}
	op := c.Operation

	log := &models.ConflictLog{
		OperationID: op.ID,
		Type:        op.Type,
		Endpoint:    op.Endpoint,
		OwnerID:     op.OwnerID,
		Strategy:    strategy,
		ServerData:  append([]byte(nil), c.ServerData...),
		DetectedAt:  r.now().Unix(),
	}

	logging.Info("Resolving conflict", map[string]interface{}{
		"id":       op.ID,
		"type":     op.Type,
		"endpoint": op.Endpoint,
		"strategy": string(strategy),
	})

	var out Outcome
	switch strategy {
	case models.ConflictClientWins:
		out = r.resolveClientWins(ctx, op, resend)
	case models.ConflictManual:
		out = r.resolveManual(op)
	default:
		out = r.resolveServerWins(op)
	}

	switch {
	case out.Manual:
		log.Resolution = models.ResolutionAwaitingManual
	case out.Success:
		log.Resolution = models.ResolutionResolvedSuccess
	default:
		log.Resolution = models.ResolutionResolvedFailure
	}
	out.Log = log
	r.record(log)

	if out.Manual && r.notifier != nil {
		r.notifier.NotifyConflict(ctx, log.Clone(), op.Clone())
	}
	return out
}

// resolveServerWins accepts the server version; the local change is discarded.
func (r *Resolver) resolveServerWins(op *models.Operation) Outcome {
	logging.Info("Conflict resolved, server version kept", map[string]interface{}{
		"id": op.ID,
	})
	return Outcome{Success: true}
}

// resolveClientWins re-sends once with the override marker.
func (r *Resolver) resolveClientWins(ctx context.Context, op *models.Operation, resend Resender) Outcome {
	if resend == nil {
		return Outcome{Err: ErrNoResender}
	}
	if err := resend(ctx, op); err != nil {
		logging.Warn("Client-wins override was rejected", map[string]interface{}{
			"id":    op.ID,
			"error": err.Error(),
		})
		return Outcome{Err: err}
	}
	logging.Info("Conflict resolved, client version forced", map[string]interface{}{
		"id": op.ID,
	})
	return Outcome{Success: true}
}

// resolveManual parks the operation. Resolve notifies once the log is complete.
func (r *Resolver) resolveManual(op *models.Operation) Outcome {
	logging.Warn("Conflict queued for manual review", map[string]interface{}{
		"id":       op.ID,
		"type":     op.Type,
		"owner_id": op.OwnerID,
	})
	return Outcome{Manual: true, Err: ErrManualReview}
}

func (r *Resolver) record(log *models.ConflictLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, log)
	if over := len(r.history) - r.limit; over > 0 {
		r.history = append([]*models.ConflictLog(nil), r.history[over:]...)
	}
}

// History returns recorded conflicts, oldest first.
func (r *Resolver) History() []*models.ConflictLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.ConflictLog, len(r.history))
	copy(out, r.history)
	return out
}

// Restore seeds the history, e.g. from persisted state.
func (r *Resolver) Restore(logs []*models.ConflictLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
	for _, l := range logs {
		if l != nil {
			r.history = append(r.history, l)
		}
	}
	if over := len(r.history) - r.limit; over > 0 {
		r.history = r.history[over:]
	}
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: operation must be non-nil"}
	ErrNoResender      = &ConflictError{Message: "client_wins requires a resender"}
	ErrManualReview    = &ConflictError{Message: "conflict awaiting manual review"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if err, or any error it wraps, is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
