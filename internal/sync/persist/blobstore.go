// Package persist provides durable storage for the operation queue and its configuration.
package persist

import (
	"context"
	"errors"
	"sync"
)

// Record keys written by the Adapter.
const (
	KeyOperations = "operations"
	KeyConfig     = "config"
	KeyConflicts  = "conflicts"
)

var (
	// ErrNotFound is returned by a BlobStore when a key has never been written.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidDSN is returned when a backend DSN cannot be parsed.
	ErrInvalidDSN = errors.New("invalid storage dsn")
)

// BlobStore persists opaque records by key. Writes replace the whole record.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore keeps records in process memory. Used for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
