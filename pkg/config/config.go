// Package config loads the runtime configuration from YAML with
// environment-variable fallbacks for deployment settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ballast-ai/ballast/pkg/storage"
)

// Config represents the runtime configuration.
type Config struct {
	// Storage selects and configures the persistence backend.
	Storage storage.Config `yaml:"storage"`

	// Session configures the session store.
	Session SessionConfig `yaml:"session"`

	// EventLog configures the durable event log.
	EventLog EventLogConfig `yaml:"eventlog"`

	// Health configures the agent health monitor.
	Health HealthConfig `yaml:"health"`

	// Observability configures metrics, tracing, and the HTTP surface.
	Observability ObservabilityConfig `yaml:"observability"`

	// Shutdown configures the ordered drain.
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	// TTL is the lifetime of new sessions.
	TTL time.Duration `yaml:"ttl"`
	// MaxBytes is the serialized byte budget per session.
	MaxBytes int `yaml:"max_bytes"`
	// SweepSchedule is the cron spec for the expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
	// ExpiryPolicy is "delete" or "archive".
	ExpiryPolicy string `yaml:"expiry_policy"`
	// CacheSize is the read-through cache capacity.
	CacheSize int `yaml:"cache_size"`
	// DrainTimeout bounds the shutdown drain of in-flight operations.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// EventLogConfig holds event log settings.
type EventLogConfig struct {
	// Dir is where per-session log files live.
	Dir string `yaml:"dir"`
	// FlushEvents flushes the write buffer after this many events.
	FlushEvents int `yaml:"flush_events"`
	// FlushInterval flushes the write buffer after this much time.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// Retention is how long events are kept (clamped to 1h–30d).
	Retention time.Duration `yaml:"retention"`
	// CompactionSchedule is the cron spec for the retention sweep.
	CompactionSchedule string `yaml:"compaction_schedule"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	// TickInterval is the monitoring cadence.
	TickInterval time.Duration `yaml:"tick_interval"`
	// HeartbeatInterval is the default interval agents register with.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// Timeout is the default heartbeat deadline.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRecoveryAttempts bounds automatic recovery.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
	// RecoveryBackoff is the first retry delay.
	RecoveryBackoff time.Duration `yaml:"recovery_backoff"`
	// ProbeTimeout bounds each recovery probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// ObservabilityConfig holds metrics and tracing settings.
type ObservabilityConfig struct {
	// Port is the HTTP port for health, stats, and metrics.
	Port int `yaml:"port"`
	// EnableMetrics registers Prometheus metrics.
	EnableMetrics bool `yaml:"enable_metrics"`
	// TracesExporter is "otlp", "stdout", or "none".
	TracesExporter string `yaml:"traces_exporter"`
	// OTLPEndpoint is the OTLP endpoint host.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// ShutdownConfig holds drain settings.
type ShutdownConfig struct {
	// Ceiling is the hard total shutdown deadline.
	Ceiling time.Duration `yaml:"ceiling"`
}

// DefaultConfig returns the configuration used when no file is given:
// a file backend under ./data with everything else at defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Storage: storage.Config{
			Driver: "file",
			File:   &storage.FileConfig{Dir: "./data"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file, applies defaults,
// and falls back to environment variables for deployment settings.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.MaxBytes == 0 {
		c.Session.MaxBytes = 10 * 1024 * 1024
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = "@every 1m"
	}
	if c.Session.ExpiryPolicy == "" {
		c.Session.ExpiryPolicy = "delete"
	}
	if c.Session.CacheSize == 0 {
		c.Session.CacheSize = 256
	}
	if c.Session.DrainTimeout == 0 {
		c.Session.DrainTimeout = 30 * time.Second
	}
	if c.EventLog.Dir == "" {
		c.EventLog.Dir = "./data/events"
	}
	if c.EventLog.FlushEvents == 0 {
		c.EventLog.FlushEvents = 16
	}
	if c.EventLog.FlushInterval == 0 {
		c.EventLog.FlushInterval = 50 * time.Millisecond
	}
	if c.EventLog.Retention == 0 {
		c.EventLog.Retention = 24 * time.Hour
	}
	if c.EventLog.CompactionSchedule == "" {
		c.EventLog.CompactionSchedule = "@hourly"
	}
	if c.Health.TickInterval == 0 {
		c.Health.TickInterval = time.Second
	}
	if c.Health.HeartbeatInterval == 0 {
		c.Health.HeartbeatInterval = 10 * time.Second
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 30 * time.Second
	}
	if c.Health.MaxRecoveryAttempts == 0 {
		c.Health.MaxRecoveryAttempts = 3
	}
	if c.Health.RecoveryBackoff == 0 {
		c.Health.RecoveryBackoff = 500 * time.Millisecond
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 5 * time.Second
	}
	if c.Observability.Port == 0 {
		c.Observability.Port = 8080
	}
	if c.Observability.TracesExporter == "" {
		c.Observability.TracesExporter = "none"
	}
	if c.Shutdown.Ceiling == 0 {
		c.Shutdown.Ceiling = 60 * time.Second
	}
}

// applyEnv fills deployment settings from the environment when the
// file left them empty.
func (c *Config) applyEnv() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = getEnv("BALLAST_STORAGE_DRIVER", "file")
	}
	if c.Storage.Driver == "file" && (c.Storage.File == nil || c.Storage.File.Dir == "") {
		c.Storage.File = &storage.FileConfig{Dir: getEnv("BALLAST_DATA_DIR", "./data")}
	}
	if c.Storage.Driver == "redis" && (c.Storage.Redis == nil || c.Storage.Redis.Addr == "") {
		c.Storage.Redis = &storage.RedisConfig{Addr: getEnv("REDIS_ADDR", "localhost:6379")}
	}
	if c.Storage.Driver == "sqlite" && (c.Storage.SQLite == nil || c.Storage.SQLite.Path == "") {
		c.Storage.SQLite = &storage.SQLiteConfig{Path: getEnv("BALLAST_SQLITE_PATH", "./data/ballast.db")}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Session.ExpiryPolicy != "delete" && c.Session.ExpiryPolicy != "archive" {
		return fmt.Errorf("session.expiry_policy must be delete or archive, got %q", c.Session.ExpiryPolicy)
	}
	if c.Session.MaxBytes < 1024 {
		return fmt.Errorf("session.max_bytes %d is below the 1 KiB floor", c.Session.MaxBytes)
	}
	return nil
}

// SaveConfig saves configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
