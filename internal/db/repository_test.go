// Package db tests for sync state persistence.
package db

import (
	"context"
	"errors"
	"testing"
)

func createTestRepository(t *testing.T) *StateRepository {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	repo := NewStateRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

// =====================================================
// StateRepository Tests
// =====================================================

// TestStateRepository_PutGet verifies upsert and read.
func TestStateRepository_PutGet(t *testing.T) {
	ctx := context.Background()
	repo := createTestRepository(t)

	if err := repo.Put(ctx, "operations", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := repo.Put(ctx, "operations", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Put() overwrite failed: %v", err)
	}

	got, err := repo.Get(ctx, "operations")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("Get() = %s, want {\"v\":2}", got)
	}
}

// TestStateRepository_GetMissing verifies ErrNotFound.
func TestStateRepository_GetMissing(t *testing.T) {
	repo := createTestRepository(t)

	if _, err := repo.Get(context.Background(), "config"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() missing error = %v, want ErrNotFound", err)
	}
}

// TestStateRepository_Delete verifies removal and idempotence.
func TestStateRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := createTestRepository(t)

	repo.Put(ctx, "config", []byte("{}"))
	if err := repo.Delete(ctx, "config"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := repo.Delete(ctx, "config"); err != nil {
		t.Fatalf("Delete() of missing key failed: %v", err)
	}
	if _, err := repo.Get(ctx, "config"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}
