package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/models"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "hrsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7420", cfg.Listen)
	assert.Equal(t, models.DefaultSyncConfig(), cfg.Sync)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RetryInterval)
	assert.Equal(t, "sqlite://"+filepath.ToSlash(cfg.DataDir), cfg.ResolvedDSN())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
data_dir: /var/lib/hrsync
storage_dsn: memory://
api:
  base_url: https://hr.example.com
  request_timeout: 20s
connectivity:
  health_url: https://hr.example.com/healthz
scheduler:
  debounce: 500ms
sync:
  enabled: false
  batch_size: 5
  retry_delays: [2s, 10s]
  conflict_resolution: manual
`)

	cfg, err := LoadWithEnv(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/hrsync", cfg.DataDir)
	assert.Equal(t, "memory://", cfg.ResolvedDSN())
	assert.Equal(t, 20*time.Second, cfg.API.RequestTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.Debounce)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RetryInterval, "unset fields keep defaults")
	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, 5, cfg.Sync.BatchSize)
	assert.Equal(t, 1000, cfg.Sync.MaxOperations)
	assert.Equal(t, []time.Duration{2 * time.Second, 10 * time.Second}, cfg.Sync.RetryDelays)
	assert.Equal(t, models.ConflictManual, cfg.Sync.ConflictResolution)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sync:\n  batch_size: 5\n")

	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"HRSYNC_DATA_DIR":            "/tmp/hr",
		"HRSYNC_BATCH_SIZE":          "25",
		"HRSYNC_SYNC_ENABLED":        "false",
		"HRSYNC_CONFLICT_RESOLUTION": "CLIENT_WINS",
		"HRSYNC_RETRY_DELAYS":        "1s, 3s",
		"HRSYNC_DEBOUNCE":            "not-a-duration",
		"HRSYNC_TOKEN_SECRET":        "s3cret",
		"HRSYNC_LOG_LEVEL":           "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/hr", cfg.DataDir)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, models.ConflictClientWins, cfg.Sync.ConflictResolution)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.Sync.RetryDelays)
	assert.Equal(t, time.Second, cfg.Scheduler.Debounce, "bad duration falls back")
	assert.Equal(t, "s3cret", cfg.API.TokenSecret)
	assert.Equal(t, "info", cfg.Log.Level, "blank override ignored")
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]struct {
		body string
		env  map[string]string
	}{
		"bad yaml":       {body: "sync: [", env: nil},
		"bad strategy":   {body: "sync:\n  conflict_resolution: coin_flip\n"},
		"bad url":        {body: "api:\n  base_url: not a url\n"},
		"bad listen":     {body: "listen: nowhere\n"},
		"bad int env":    {env: map[string]string{"HRSYNC_BATCH_SIZE": "ten"}},
		"bad bool env":   {env: map[string]string{"HRSYNC_SYNC_ENABLED": "maybe"}},
		"bad delays env": {env: map[string]string{"HRSYNC_RETRY_DELAYS": "1s,soon"}},
		"negative delay": {body: "sync:\n  retry_delays: [-1s]\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := ""
			if tc.body != "" {
				path = writeFile(t, dir, tc.body)
			}
			_, err := LoadWithEnv(path, envMap(tc.env))
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid), "got %v", err)
		})
	}

	_, err := LoadWithEnv(filepath.Join(dir, "missing.yaml"), noEnv)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sync:\n  batch_size: 5\n")

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	w.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  batch_size: 7\n"), 0o600))

	select {
	case c := <-changes:
		assert.Equal(t, 7, c.Sync.BatchSize)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after valid edit")
	}

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  conflict_resolution: coin_flip\n"), 0o600))
	select {
	case c := <-changes:
		t.Fatalf("invalid edit should be ignored, got %+v", c.Sync)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
