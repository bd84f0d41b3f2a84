package persist

import (
	"context"
	"errors"

	"github.com/kimhsiao/hrdesk/internal/db"
)

// SQLiteStore keeps records in the sync_state table of a local SQLite database.
type SQLiteStore struct {
	db   *db.DB
	repo *db.StateRepository
}

// NewSQLiteStore opens (and migrates) the database in dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{
		db:   database,
		repo: db.NewStateRepository(database.DB),
	}, nil
}

// Get returns the stored blob.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.repo.Get(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// Put upserts the blob.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	return s.repo.Put(ctx, key, value)
}

// Delete removes the blob.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.repo.Delete(ctx, key)
}

// Close releases cached statements and the database handle.
func (s *SQLiteStore) Close() error {
	repoErr := s.repo.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return repoErr
}
