// Package config loads daemon configuration from YAML with HRSYNC_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
	"github.com/kimhsiao/hrdesk/internal/logging"
	"github.com/kimhsiao/hrdesk/internal/models"
	"github.com/kimhsiao/hrdesk/internal/validation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HRSYNC_"

// Config is the daemon configuration.
type Config struct {
	DataDir       string             `yaml:"data_dir" json:"data_dir" validate:"required"`
	StorageDSN    string             `yaml:"storage_dsn" json:"storage_dsn"`
	EncryptionKey string             `yaml:"encryption_key" json:"-"`
	Listen        string             `yaml:"listen" json:"listen" validate:"required,hostname_port"`
	API           APIConfig          `yaml:"api" json:"api"`
	Connectivity  ConnectivityConfig `yaml:"connectivity" json:"connectivity"`
	Scheduler     SchedulerConfig    `yaml:"scheduler" json:"scheduler"`
	Log           LogConfig          `yaml:"log" json:"log"`
	Sync          models.SyncConfig  `yaml:"sync" json:"sync"`
}

// APIConfig describes the HR backend operations are delivered to.
type APIConfig struct {
	BaseURL        string            `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	RequestTimeout time.Duration     `yaml:"request_timeout" json:"request_timeout" validate:"gte=0"`
	TokenSecret    string            `yaml:"token_secret" json:"-"`
	TokenAudience  string            `yaml:"token_audience" json:"token_audience"`
	Tokens         map[string]string `yaml:"tokens" json:"-"`
}

// ConnectivityConfig configures the health probe. An empty HealthURL
// disables probing; connectivity then comes from the control API.
type ConnectivityConfig struct {
	HealthURL string        `yaml:"health_url" json:"health_url" validate:"omitempty,url"`
	Interval  time.Duration `yaml:"interval" json:"interval" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// SchedulerConfig tunes pass scheduling.
type SchedulerConfig struct {
	Debounce      time.Duration `yaml:"debounce" json:"debounce" validate:"gte=0"`
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval" validate:"gte=0"`
}

// LogConfig configures logging. An empty File logs to stdout.
type LogConfig struct {
	Level      string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".hrsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".hrsync")
	}
	return &Config{
		DataDir: dataDir,
		Listen:  "127.0.0.1:7420",
		API: APIConfig{
			RequestTimeout: 15 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Debounce:      time.Second,
			RetryInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Sync: models.DefaultSyncConfig(),
	}
}

// ResolvedDSN returns StorageDSN, defaulting to SQLite inside DataDir.
func (c *Config) ResolvedDSN() string {
	if strings.TrimSpace(c.StorageDSN) != "" {
		return c.StorageDSN
	}
	return "sqlite://" + filepath.ToSlash(c.DataDir)
}

// Load reads path (optional), applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "parse config file "+path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	cfg.Sync = cfg.Sync.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid configuration", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		"DATA_DIR":       &cfg.DataDir,
		"STORAGE_DSN":    &cfg.StorageDSN,
		"ENCRYPTION_KEY": &cfg.EncryptionKey,
		"LISTEN":         &cfg.Listen,
		"API_BASE_URL":   &cfg.API.BaseURL,
		"TOKEN_SECRET":   &cfg.API.TokenSecret,
		"TOKEN_AUDIENCE": &cfg.API.TokenAudience,
		"HEALTH_URL":     &cfg.Connectivity.HealthURL,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FILE":       &cfg.Log.File,
	}
	for name, dst := range strs {
		if v, ok := env(name); ok {
			*dst = v
		}
	}

	if v, ok := env("CONFLICT_RESOLUTION"); ok {
		cfg.Sync.ConflictResolution = models.ConflictResolution(strings.ToLower(v))
	}

	ints := map[string]*int{
		"BATCH_SIZE":     &cfg.Sync.BatchSize,
		"MAX_OPERATIONS": &cfg.Sync.MaxOperations,
	}
	for name, dst := range ints {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("%s%s=%q", EnvPrefix, name, v), err)
			}
			*dst = n
		}
	}

	if v, ok := env("SYNC_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("%sSYNC_ENABLED=%q", EnvPrefix, v), err)
		}
		cfg.Sync.Enabled = b
	}

	durations := map[string]*time.Duration{
		"REQUEST_TIMEOUT": &cfg.API.RequestTimeout,
		"PROBE_INTERVAL":  &cfg.Connectivity.Interval,
		"DEBOUNCE":        &cfg.Scheduler.Debounce,
		"RETRY_INTERVAL":  &cfg.Scheduler.RetryInterval,
	}
	for name, dst := range durations {
		if v, ok := env(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				logging.Warn("Invalid duration override, keeping configured value", map[string]interface{}{
					"name":  EnvPrefix + name,
					"value": v,
				})
				continue
			}
			*dst = d
		}
	}

	if v, ok := env("RETRY_DELAYS"); ok {
		var delays []time.Duration
		for _, part := range strings.Split(v, ",") {
			d, err := time.ParseDuration(strings.TrimSpace(part))
			if err != nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("%sRETRY_DELAYS=%q", EnvPrefix, v), err)
			}
			delays = append(delays, d)
		}
		cfg.Sync.RetryDelays = delays
	}
	return nil
}
