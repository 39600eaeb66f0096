// Package config loads and validates possync configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/possync/internal/errors"
)

// Session timeout bounds. A per-user timeout outside this range is rejected.
const (
	MinSessionTimeout = time.Hour
	MaxSessionTimeout = 24 * time.Hour
)

// Config is the full runtime configuration.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ServerURL  string `yaml:"server_url"`
	ListenAddr string `yaml:"listen_addr"`

	Session      SessionConfig      `yaml:"session"`
	Queue        QueueConfig        `yaml:"queue"`
	Sync         SyncConfig         `yaml:"sync"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Log          LogConfig          `yaml:"log"`
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	WarningThreshold   time.Duration `yaml:"warning_threshold"`
	OfflineGracePeriod time.Duration `yaml:"offline_grace_period"`
	Retention          time.Duration `yaml:"retention"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	PINAttemptsPerMin  int           `yaml:"pin_attempts_per_minute"`
}

// QueueConfig controls the durable operation queue.
type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	BatchSize   int           `yaml:"batch_size"`
	Retention   time.Duration `yaml:"retention"`
}

// SyncConfig controls the drain loop.
type SyncConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ClaimTTL       time.Duration `yaml:"claim_ttl"`
}

// LedgerConfig controls idempotency record retention.
type LedgerConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
}

// CacheConfig controls the model cache.
type CacheConfig struct {
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`
	TTL             time.Duration `yaml:"ttl"`
	Models          []string      `yaml:"models"`
}

// ConnectivityConfig controls the health probe.
type ConnectivityConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		ServerURL:  "http://127.0.0.1:8700",
		ListenAddr: "127.0.0.1:8710",
		Session: SessionConfig{
			DefaultTimeout:    8 * time.Hour,
			WarningThreshold:  5 * time.Minute,
			Retention:         7 * 24 * time.Hour,
			SweepInterval:     5 * time.Minute,
			PINAttemptsPerMin: 5,
		},
		Queue: QueueConfig{
			Capacity:    10000,
			MaxAttempts: 5,
			BackoffBase: 30 * time.Second,
			BackoffMax:  16 * time.Minute,
			BatchSize:   50,
			Retention:   7 * 24 * time.Hour,
		},
		Sync: SyncConfig{
			PollInterval:   5 * time.Minute,
			RequestTimeout: 30 * time.Second,
			ClaimTTL:       2 * time.Minute,
		},
		Ledger: LedgerConfig{
			Retention:     30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			SweepBatch:    500,
		},
		Cache: CacheConfig{
			LockWaitTimeout: 5 * time.Second,
			TTL:             15 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:    15 * time.Second,
			ProbeTimeout:     5 * time.Second,
			FailureThreshold: 2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "parse "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every bound the engine relies on.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.DataDir != "", "data_dir is required")
	check(ValidSessionTimeout(c.Session.DefaultTimeout) == nil,
		"session.default_timeout %s outside [%s, %s]", c.Session.DefaultTimeout, MinSessionTimeout, MaxSessionTimeout)
	check(c.Session.WarningThreshold >= 0 && c.Session.WarningThreshold < MinSessionTimeout,
		"session.warning_threshold must be in [0, %s)", MinSessionTimeout)
	check(c.Session.OfflineGracePeriod >= 0, "session.offline_grace_period must not be negative")
	check(c.Session.Retention > 0, "session.retention must be positive")
	check(c.Session.SweepInterval > 0, "session.sweep_interval must be positive")
	check(c.Session.PINAttemptsPerMin > 0, "session.pin_attempts_per_minute must be positive")

	check(c.Queue.Capacity > 0, "queue.capacity must be positive")
	check(c.Queue.MaxAttempts >= 1, "queue.max_attempts must be at least 1")
	check(c.Queue.BackoffBase > 0, "queue.backoff_base must be positive")
	check(c.Queue.BackoffMax >= c.Queue.BackoffBase, "queue.backoff_max must be >= backoff_base")
	check(c.Queue.BatchSize > 0, "queue.batch_size must be positive")
	check(c.Queue.Retention > 0, "queue.retention must be positive")

	check(c.Sync.PollInterval > 0, "sync.poll_interval must be positive")
	check(c.Sync.RequestTimeout > 0, "sync.request_timeout must be positive")
	check(c.Sync.ClaimTTL > 0, "sync.claim_ttl must be positive")

	check(c.Ledger.Retention > 0, "ledger.retention must be positive")
	check(c.Ledger.SweepInterval > 0, "ledger.sweep_interval must be positive")
	check(c.Ledger.SweepBatch > 0, "ledger.sweep_batch must be positive")

	check(c.Cache.LockWaitTimeout > 0, "cache.lock_wait_timeout must be positive")
	check(c.Cache.TTL > 0, "cache.ttl must be positive")

	check(c.Connectivity.ProbeInterval > 0, "connectivity.probe_interval must be positive")
	check(c.Connectivity.ProbeTimeout > 0, "connectivity.probe_timeout must be positive")
	check(c.Connectivity.FailureThreshold >= 1, "connectivity.failure_threshold must be at least 1")

	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console")

	if len(problems) > 0 {
		return errors.Newf(errors.ErrInvalidConfig, "invalid configuration: %v", problems)
	}
	return nil
}

// ValidSessionTimeout rejects timeouts outside [MinSessionTimeout, MaxSessionTimeout].
func ValidSessionTimeout(d time.Duration) error {
	if d < MinSessionTimeout || d > MaxSessionTimeout {
		return errors.Newf(errors.ErrInvalidConfig,
			"session timeout %s outside [%s, %s]", d, MinSessionTimeout, MaxSessionTimeout)
	}
	return nil
}
