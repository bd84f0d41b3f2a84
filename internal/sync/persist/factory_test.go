package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_schemes(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		dsn  string
		want interface{}
	}{
		{"memory", "memory://", &MemoryStore{}},
		{"file url", "file://" + filepath.Join(dir, "files"), &FileStore{}},
		{"bare path", filepath.Join(dir, "bare"), &FileStore{}},
		{"sqlite", "sqlite://" + filepath.Join(dir, "db"), &SQLiteStore{}},
		{"postgres", "postgres://user:pw@localhost:5432/hr?sslmode=disable", &PostgresStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(tt.dsn)
			require.NoError(t, err)
			defer store.Close()
			assert.IsType(t, tt.want, store)
		})
	}
}

func TestOpen_filePath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	store, err := Open("file://" + dir)
	require.NoError(t, err)
	assert.Equal(t, dir, store.(*FileStore).dir)
}

func TestOpen_invalid(t *testing.T) {
	for _, dsn := range []string{"", "  ", "redis://localhost", "sqlite://"} {
		_, err := Open(dsn)
		assert.ErrorIs(t, err, ErrInvalidDSN, "dsn %q", dsn)
	}
}
