package models

import "time"

// ConflictResolution selects how a 409 response is handled.
type ConflictResolution string

const (
	ConflictClientWins ConflictResolution = "client_wins"
	ConflictServerWins ConflictResolution = "server_wins"
	ConflictManual     ConflictResolution = "manual"
)

// SyncConfig is the process-wide, reconfigurable queue configuration.
type SyncConfig struct {
	Enabled            bool               `json:"enabled" yaml:"enabled"`
	MaxOperations      int                `json:"max_operations" yaml:"max_operations" validate:"min=1"`
	RetryDelays        []time.Duration    `json:"retry_delays" yaml:"retry_delays" validate:"min=1,dive,gte=0"`
	BatchSize          int                `json:"batch_size" yaml:"batch_size" validate:"min=1"`
	ConflictResolution ConflictResolution `json:"conflict_resolution" yaml:"conflict_resolution" validate:"oneof=client_wins server_wins manual"`
}

// DefaultSyncConfig returns the default queue configuration.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Enabled:       true,
		MaxOperations: 1000,
		RetryDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
			60 * time.Second,
		},
		BatchSize:          10,
		ConflictResolution: ConflictServerWins,
	}
}

// WithDefaults fills zero-valued numeric and list fields from DefaultSyncConfig.
// Enabled is left as given.
func (c SyncConfig) WithDefaults() SyncConfig {
	d := DefaultSyncConfig()
	if c.MaxOperations <= 0 {
		c.MaxOperations = d.MaxOperations
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = d.RetryDelays
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ConflictResolution == "" {
		c.ConflictResolution = d.ConflictResolution
	}
	return c.Clone()
}

// Clone returns a copy that does not share the retry delay slice.
func (c SyncConfig) Clone() SyncConfig {
	c.RetryDelays = append([]time.Duration(nil), c.RetryDelays...)
	return c
}

// RetryDelay returns the minimum wait before the attempt that follows the
// retryCount-th failure. Counts past the end of the table reuse the last entry.
func (c SyncConfig) RetryDelay(retryCount int) time.Duration {
	if len(c.RetryDelays) == 0 || retryCount <= 0 {
		return 0
	}
	idx := retryCount - 1
	if idx >= len(c.RetryDelays) {
		idx = len(c.RetryDelays) - 1
	}
	return c.RetryDelays[idx]
}
