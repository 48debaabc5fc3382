// Package config loads the automation server configuration from an optional
// YAML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Engine        EngineConfig        `yaml:"engine"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int    `yaml:"port"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// SlowRequest is the latency above which a request is counted as slow.
	SlowRequest string `yaml:"slow_request"`
}

// DatabaseConfig selects the rule store. An empty URL keeps rules in memory.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // postgres, sqlite3 or memory
	URL           string `yaml:"url"`
	MigrateOnBoot bool   `yaml:"migrate_on_boot"`
}

// EngineConfig tunes dispatch.
type EngineConfig struct {
	ActionTimeout      string `yaml:"action_timeout"`
	MaxParallelActions int    `yaml:"max_parallel_actions"`
	ShadowLogCapacity  int    `yaml:"shadow_log_capacity"`
	CacheTTL           string `yaml:"cache_ttl"`
}

// CollaboratorsConfig points actions at the services that carry them out.
// An empty base URL leaves that collaborator unconfigured.
type CollaboratorsConfig struct {
	WorkItemsURL     string            `yaml:"work_items_url"`
	NotificationsURL string            `yaml:"notifications_url"`
	CarriersURL      string            `yaml:"carriers_url"`
	EntitiesURL      string            `yaml:"entities_url"`
	EmailURL         string            `yaml:"email_url"`
	Timeout          string            `yaml:"timeout"`
	Headers          map[string]string `yaml:"headers"`
}

// LogConfig configures internal/logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	SampleRate int    `yaml:"sample_rate"`
}

// Supported database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     "15s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "30s",
			SlowRequest:     "1s",
		},
		Database: DatabaseConfig{
			Driver:        DriverMemory,
			MigrateOnBoot: true,
		},
		Engine: EngineConfig{
			ActionTimeout:      "5s",
			MaxParallelActions: 8,
			ShadowLogCapacity:  100,
			CacheTTL:           "0s",
		},
		Collaborators: CollaboratorsConfig{
			Timeout: "10s",
		},
		Log: LogConfig{
			Level:      "INFO",
			SampleRate: 1,
		},
	}
}

// Load reads configuration from path. A missing or empty path yields the
// defaults. Environment overrides are applied in either case.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
		if os.Getenv("DATABASE_DRIVER") == "" && c.Database.Driver == DriverMemory {
			c.Database.Driver = DriverPostgres
		}
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if rate := os.Getenv("ERROR_SAMPLE_RATE"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil {
			return fmt.Errorf("invalid ERROR_SAMPLE_RATE %q: %w", rate, err)
		}
		c.Log.SampleRate = r
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("invalid database driver: %s (valid: %s, %s, %s)",
			c.Database.Driver, DriverMemory, DriverPostgres, DriverSQLite)
	}
	if c.Engine.MaxParallelActions <= 0 {
		return fmt.Errorf("engine.max_parallel_actions must be positive, got %d", c.Engine.MaxParallelActions)
	}
	if c.Engine.ShadowLogCapacity <= 0 {
		return fmt.Errorf("engine.shadow_log_capacity must be positive, got %d", c.Engine.ShadowLogCapacity)
	}
	if c.Log.SampleRate < 0 {
		return fmt.Errorf("log.sample_rate must not be negative, got %d", c.Log.SampleRate)
	}

	durations := map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"server.slow_request":     c.Server.SlowRequest,
		"engine.action_timeout":   c.Engine.ActionTimeout,
		"engine.cache_ttl":        c.Engine.CacheTTL,
		"collaborators.timeout":   c.Collaborators.Timeout,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, v)
		}
	}
	return nil
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 15*time.Second)
}

// GetWriteTimeout returns the HTTP write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Server.WriteTimeout, 30*time.Second)
}

// GetShutdownTimeout returns how long shutdown waits for in-flight requests.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 30*time.Second)
}

// GetSlowRequest returns the slow request threshold.
func (c *Config) GetSlowRequest() time.Duration {
	return parseDuration(c.Server.SlowRequest, time.Second)
}

// GetActionTimeout returns the per-action execution bound.
func (c *Config) GetActionTimeout() time.Duration {
	return parseDuration(c.Engine.ActionTimeout, 5*time.Second)
}

// GetCacheTTL returns the active rule cache TTL; zero means no expiry.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Engine.CacheTTL, 0)
}

// GetCollaboratorTimeout returns the HTTP client timeout for collaborators.
func (c *Config) GetCollaboratorTimeout() time.Duration {
	return parseDuration(c.Collaborators.Timeout, 10*time.Second)
}
