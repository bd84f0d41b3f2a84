// Package sync delivers queued operations to the server in batch passes.
package sync

import (
	"context"

	"github.com/kimhsiao/hrdesk/internal/models"
	"github.com/kimhsiao/hrdesk/internal/sync/stats"
)

// Sender delivers one operation. override asks the server to accept the
// client version despite a conflict.
type Sender interface {
	Send(ctx context.Context, op *models.Operation, override bool) (*Response, error)
}

// PassRunner runs sync passes. At most one pass runs at a time.
type PassRunner interface {
	// Run performs an automatic pass. It returns ran=false without doing
	// anything when offline, disabled, or a pass is already running.
	Run(ctx context.Context) (result stats.PassResult, ran bool)

	// Force performs a pass that ignores backoff windows. It fails fast
	// when offline, disabled, or a pass is already running.
	Force(ctx context.Context) (stats.PassResult, error)

	// Running reports whether a pass is in progress.
	Running() bool
}

// Ensure implementations satisfy the interfaces at compile time.
var (
	_ Sender     = (*HTTPTransport)(nil)
	_ PassRunner = (*Processor)(nil)
)
