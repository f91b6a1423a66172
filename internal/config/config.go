package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Remote document API.
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Local document store.
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Replication behavior.
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Connectivity monitoring.
	Monitor MonitorConfig `json:"monitor" mapstructure:"monitor"`

	// Logging.
	Log LogConfig `json:"log" mapstructure:"log"`
}

// RemoteConfig describes the remote authoritative store.
type RemoteConfig struct {
	URL      string `json:"url" mapstructure:"url"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`

	// CredentialsFile overrides inline username/password when set.
	CredentialsFile string `json:"credentials_file,omitempty" mapstructure:"credentials_file"`

	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
}

// StoreConfig for the local document store.
type StoreConfig struct {
	// Path of the SQLite database file.
	Path string `json:"path" mapstructure:"path"`

	// TombstoneRetention is how long deleted documents stay around so the
	// deletion can propagate through sync before physical purge.
	TombstoneRetention time.Duration `json:"tombstone_retention" mapstructure:"tombstone_retention"`

	BusyTimeout time.Duration `json:"busy_timeout" mapstructure:"busy_timeout"`
}

// SyncConfig for replication sessions.
type SyncConfig struct {
	// Entities to replicate. Empty means every registered entity type.
	Entities []string `json:"entities,omitempty" mapstructure:"entities"`

	BatchSize int `json:"batch_size" mapstructure:"batch_size"`

	// Backoff for transient failures: starts at RetryBackoff, doubles up
	// to MaxBackoff.
	RetryBackoff time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
	MaxBackoff   time.Duration `json:"max_backoff" mapstructure:"max_backoff"`

	// Heartbeat interval for the live change feed.
	Heartbeat time.Duration `json:"heartbeat" mapstructure:"heartbeat"`
}

// MonitorConfig for the connectivity monitor.
type MonitorConfig struct {
	Interval     time.Duration `json:"interval" mapstructure:"interval"`
	ProbeTimeout time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file,omitempty" mapstructure:"file"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".tillsync"

	return &Config{
		Remote: RemoteConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Store: StoreConfig{
			Path:               filepath.Join(dataDir, "store.db"),
			TombstoneRetention: 30 * 24 * time.Hour,
			BusyTimeout:        5 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:    100,
			RetryBackoff: time.Second,
			MaxBackoff:   time.Minute,
			Heartbeat:    30 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:     15 * time.Second,
			ProbeTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid remote url %q", c.Remote.URL)
		}
	}
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}
	if c.Store.TombstoneRetention < 0 {
		return errors.New("tombstone retention must not be negative")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync batch size must be positive")
	}
	if c.Sync.RetryBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.RetryBackoff {
		return errors.New("sync backoff bounds are inconsistent")
	}
	if c.Monitor.Interval <= 0 {
		return errors.New("monitor interval must be positive")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
