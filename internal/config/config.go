// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Ops           OpsConfig           `yaml:"ops"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefinitionsConfig describes where to find process definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// DirectoryConfig describes the user directory.
type DirectoryConfig struct {
	UsersFile string        `yaml:"users_file"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// StoreConfig describes instance and audit persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// EngineConfig describes conflict retry settings of the workflow engine.
type EngineConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// IdempotencyConfig describes the intake deduplication store.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// OpsConfig describes the health and metrics listener.
type OpsConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel        string        `yaml:"log_level"`
	LogOutput       string        `yaml:"log_output"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
	Tracing         TracingConfig `yaml:"tracing"`
	Metrics         MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Directory: DirectoryConfig{
			CacheTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "WORKFLOW_DATABASE_URL",
			SQLitePath:      "workflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			LockTimeout:     5 * time.Second,
			BusyTimeout:     5 * time.Second,
		},
		Engine: EngineConfig{
			MaxAttempts:    5,
			BackoffInitial: 20 * time.Millisecond,
			BackoffMax:     500 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			Driver:  DriverMemory,
			AddrEnv: "WORKFLOW_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Ops: OpsConfig{
			Port:            9090,
			ShutdownTimeout: 15 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, sqlite", c.Store.Driver))
	}
	if c.Store.Driver == DriverSQLite && c.Store.SQLitePath == "" {
		errs = append(errs, "store.sqlite_path is required for the sqlite driver")
	}
	if c.Store.LockTimeout <= 0 {
		errs = append(errs, "store.lock_timeout must be positive")
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, "engine.max_attempts must be at least 1")
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case DriverMemory, DriverRedis:
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q is not one of memory, redis", c.Idempotency.Driver))
		}
	}
	if c.Ops.Port < 1 || c.Ops.Port > 65535 {
		errs = append(errs, "ops.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads WORKFLOW_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKFLOW_DEFINITIONS_DIRS"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("WORKFLOW_USERS_FILE"); v != "" {
		cfg.Directory.UsersFile = v
	}
	if v := os.Getenv("WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("WORKFLOW_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("WORKFLOW_OPS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Ops.Port = port
		}
	}
	if v := os.Getenv("WORKFLOW_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("WORKFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
