// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Store         StoreConfig         `yaml:"store"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operations HTTP server (health, readiness,
// metrics).
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TemplatesConfig describes where to find template YAML files.
type TemplatesConfig struct {
	Directories []string `yaml:"directories"`
	// Strict fails startup when any template is invalid instead of skipping it.
	Strict bool `yaml:"strict"`
}

// StoreConfig describes application persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ProvidersConfig describes data provider orchestration settings.
type ProvidersConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	MaxConcurrency int                  `yaml:"max_concurrency"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// LifecycleConfig describes the background pruning scan.
type LifecycleConfig struct {
	PruneEnabled  bool          `yaml:"prune_enabled"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	// ExpiryWarning is how close to its prune deadline an application must be
	// for its action card to flag it as expiring soon.
	ExpiryWarning time.Duration `yaml:"expiry_warning"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
	// RedactAnswers lists answer keys masked in debug logs on top of the
	// built-in sensitive keys.
	RedactAnswers []string `yaml:"redact_answers"`
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
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Templates: TemplatesConfig{
			Directories: []string{"/templates"},
			Strict:      true,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CASEWORK_DATABASE_URL",
			SQLitePath:      "casework.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Providers: ProvidersConfig{
			Timeout:        10 * time.Second,
			MaxConcurrency: 8,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Lifecycle: LifecycleConfig{
			PruneEnabled:  true,
			PruneInterval: 5 * time.Minute,
			ExpiryWarning: 72 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "CASEWORK_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
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
// and validates the result. Variables from a .env file in the working
// directory are loaded first when present; real environment variables take
// precedence over it.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var (
	validStoreDrivers       = []string{"memory", "postgres", "sqlite"}
	validIdempotencyDrivers = []string{"memory", "redis"}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Templates.Directories) == 0 {
		errs = append(errs, "templates.directories must not be empty")
	}
	if !slices.Contains(validStoreDrivers, c.Store.Driver) {
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of %v", c.Store.Driver, validStoreDrivers))
	}
	if c.Store.Driver == "postgres" && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for the postgres driver")
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		errs = append(errs, "store.sqlite_path is required for the sqlite driver")
	}
	if c.Providers.Timeout <= 0 {
		errs = append(errs, "providers.timeout must be positive")
	}
	if c.Providers.MaxConcurrency < 1 {
		errs = append(errs, "providers.max_concurrency must be at least 1")
	}
	if c.Lifecycle.PruneEnabled && c.Lifecycle.PruneInterval <= 0 {
		errs = append(errs, "lifecycle.prune_interval must be positive when pruning is enabled")
	}
	if c.Idempotency.Enabled && !slices.Contains(validIdempotencyDrivers, c.Idempotency.Store.Driver) {
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not one of %v", c.Idempotency.Store.Driver, validIdempotencyDrivers))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CASEWORK_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEWORK_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEWORK_TEMPLATES_DIRECTORIES"); v != "" {
		cfg.Templates.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("CASEWORK_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CASEWORK_STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("CASEWORK_PROVIDERS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Providers.Timeout = d
		}
	}
	if v := os.Getenv("CASEWORK_LIFECYCLE_PRUNE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.PruneInterval = d
		}
	}
	if v := os.Getenv("CASEWORK_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
	if v := os.Getenv("CASEWORK_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
