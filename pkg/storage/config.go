package storage

import "fmt"

// Config selects and configures a storage driver.
type Config struct {
	// Driver specifies which backend to use.
	// Supported values: "file", "redis", "sqlite", "memory"
	Driver string `yaml:"driver" json:"driver"`

	// File-specific configuration
	File *FileConfig `yaml:"file,omitempty" json:"file,omitempty"`

	// Redis-specific configuration
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// SQLite-specific configuration
	SQLite *SQLiteConfig `yaml:"sqlite,omitempty" json:"sqlite,omitempty"`

	// Memory-specific configuration (for testing and dev mode)
	Memory *MemoryConfig `yaml:"memory,omitempty" json:"memory,omitempty"`
}

// FileConfig contains filesystem backend settings.
type FileConfig struct {
	// Dir is the root directory for session and value documents.
	Dir string `yaml:"dir" json:"dir"`
}

// RedisConfig contains Redis backend settings.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr" json:"addr"`

	// Password for authentication (optional).
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// DB is the Redis database number.
	DB int `yaml:"db" json:"db"`

	// KeyPrefix namespaces all keys (default: "ballast:").
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`

	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
}

// SQLiteConfig contains SQLite backend settings.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" opens a private
	// in-memory database.
	Path string `yaml:"path" json:"path"`
}

// MemoryConfig contains in-memory backend settings.
type MemoryConfig struct {
	// Name identifies a shared store. Backends opened with the same
	// name see the same data, which is how restart behavior is
	// exercised in tests. Empty means a private store.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Driver == "" {
		return fmt.Errorf("driver must be specified")
	}

	switch c.Driver {
	case "file":
		if c.File == nil || c.File.Dir == "" {
			return fmt.Errorf("file driver requires file.dir")
		}
	case "redis":
		if c.Redis == nil || c.Redis.Addr == "" {
			return fmt.Errorf("redis driver requires redis.addr")
		}
	case "sqlite":
		if c.SQLite == nil || c.SQLite.Path == "" {
			return fmt.Errorf("sqlite driver requires sqlite.path")
		}
	}
	return nil
}
