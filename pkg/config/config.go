package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/corral/pkg/types"
)

// Config holds all options consumed by the core
type Config struct {
	// DataDir is where the embedded store lives
	DataDir string `yaml:"data_dir"`

	// PeriodicInterval is the heartbeat and liveness check period in
	// seconds. An engine missing two consecutive heartbeats is dead.
	PeriodicInterval int `yaml:"periodic_interval"`

	// DefaultActionTimeout bounds driver waits, in seconds, for actions
	// that carry no timeout of their own
	DefaultActionTimeout int `yaml:"default_action_timeout"`

	// MaxEventsPerCluster bounds the per-cluster event backlog; 0 disables
	// pruning
	MaxEventsPerCluster int `yaml:"max_events_per_cluster"`

	// EventPurgeBatchSize is the number of rows deleted per purge batch
	EventPurgeBatchSize int `yaml:"event_purge_batch_size"`

	// LockRetryTimes and LockRetryInterval (seconds) control lock
	// acquisition under contention
	LockRetryTimes    int `yaml:"lock_retry_times"`
	LockRetryInterval int `yaml:"lock_retry_interval"`

	// CipherInitVector is the 16-byte IV used for credential encryption
	CipherInitVector string `yaml:"cipher_init_vector"`

	// Workers is the dispatcher worker pool size per engine
	Workers int `yaml:"workers"`

	// MetricsAddr is the listen address for the /metrics endpoint;
	// empty disables it
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config with production defaults
func Default() Config {
	return Config{
		DataDir:              "/var/lib/corral",
		PeriodicInterval:     60,
		DefaultActionTimeout: 3600,
		MaxEventsPerCluster:  0,
		EventPurgeBatchSize:  1000,
		LockRetryTimes:       3,
		LockRetryInterval:    3,
		CipherInitVector:     "corral-engine-iv",
		Workers:              10,
		LogLevel:             "info",
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks option ranges
func (c Config) Validate() error {
	if c.PeriodicInterval <= 0 {
		return types.InvalidParameter("periodic_interval must be > 0, got %d", c.PeriodicInterval)
	}
	if c.DefaultActionTimeout <= 0 {
		return types.InvalidParameter("default_action_timeout must be > 0, got %d", c.DefaultActionTimeout)
	}
	if c.MaxEventsPerCluster < 0 {
		return types.InvalidParameter("max_events_per_cluster must be >= 0, got %d", c.MaxEventsPerCluster)
	}
	if c.EventPurgeBatchSize <= 0 {
		return types.InvalidParameter("event_purge_batch_size must be > 0, got %d", c.EventPurgeBatchSize)
	}
	if c.LockRetryTimes < 0 {
		return types.InvalidParameter("lock_retry_times must be >= 0, got %d", c.LockRetryTimes)
	}
	if c.LockRetryInterval <= 0 {
		return types.InvalidParameter("lock_retry_interval must be > 0, got %d", c.LockRetryInterval)
	}
	if len(c.CipherInitVector) != 16 {
		return types.InvalidParameter("cipher_init_vector must be 16 bytes, got %d", len(c.CipherInitVector))
	}
	if c.Workers <= 0 {
		return types.InvalidParameter("workers must be > 0, got %d", c.Workers)
	}
	return nil
}
