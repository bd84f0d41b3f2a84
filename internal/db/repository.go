// Package db provides key/value persistence for sync state records.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a state record does not exist.
var ErrNotFound = errors.New("state record not found")

const (
	queryGetState    = `SELECT value FROM sync_state WHERE key = ?`
	queryPutState    = `INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	queryDeleteState = `DELETE FROM sync_state WHERE key = ?`
)

// StateRepository stores opaque snapshot blobs keyed by name.
type StateRepository struct {
	db *sql.DB

	// Prepared statements are cached on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStateRepository creates a new StateRepository instance.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *StateRepository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, close ours.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *StateRepository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Get returns the blob stored under key, or ErrNotFound.
func (r *StateRepository) Get(ctx context.Context, key string) ([]byte, error) {
	stmt, err := r.PrepareStmt(ctx, queryGetState)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state %q: %w", key, err)
	}
	return value, nil
}

// Put upserts the blob stored under key.
func (r *StateRepository) Put(ctx context.Context, key string, value []byte) error {
	stmt, err := r.PrepareStmt(ctx, queryPutState)
	if err != nil {
		return err
	}

	if value == nil {
		value = []byte{}
	}
	if _, err := stmt.ExecContext(ctx, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to put state %q: %w", key, err)
	}
	return nil
}

// Delete removes the blob stored under key. Missing keys are not an error.
func (r *StateRepository) Delete(ctx context.Context, key string) error {
	stmt, err := r.PrepareStmt(ctx, queryDeleteState)
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("failed to delete state %q: %w", key, err)
	}
	return nil
}
