package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration when
// WARDEN_CONFIG is unset.
const DefaultConfigFile = "warden.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("WARDEN_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	// Ledger
	setString(&cfg.Ledger.Driver, "WARDEN_LEDGER_DRIVER")
	setInt(&cfg.Ledger.MaxRetries, "WARDEN_LEDGER_MAX_RETRIES")
	setString(&cfg.Ledger.SQLite.Path, "WARDEN_SQLITE_PATH")
	setDuration(&cfg.Ledger.SQLite.BusyTimeout, "WARDEN_SQLITE_BUSY_TIMEOUT")
	setInt(&cfg.Ledger.SQLite.MaxOpenConns, "WARDEN_SQLITE_MAX_OPEN_CONNS")
	setString(&cfg.Ledger.Postgres.DSN, "WARDEN_POSTGRES_DSN")
	setInt32(&cfg.Ledger.Postgres.MaxConns, "WARDEN_PG_MAX_CONNS")
	setInt32(&cfg.Ledger.Postgres.MinConns, "WARDEN_PG_MIN_CONNS")
	setDuration(&cfg.Ledger.Postgres.MaxConnLifetime, "WARDEN_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Ledger.Postgres.MaxConnIdleTime, "WARDEN_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Ledger.Postgres.HealthCheck, "WARDEN_PG_HEALTH_CHECK")

	// Lease and coordinator
	setInt(&cfg.Lease.DefaultMaxSteps, "WARDEN_LEASE_DEFAULT_MAX_STEPS")
	setDuration(&cfg.Lease.DefaultTTL, "WARDEN_LEASE_DEFAULT_TTL")
	setDuration(&cfg.Coordinator.PollInterval, "WARDEN_POLL_INTERVAL")
	setDuration(&cfg.Coordinator.Timeout, "WARDEN_POLL_TIMEOUT")

	setString(&cfg.Policy.File, "WARDEN_POLICY_FILE")
	setString(&cfg.Policy.Name, "WARDEN_POLICY_NAME")
	setString(&cfg.Agent.ID, "WARDEN_AGENT_ID")

	setString(&cfg.Logging.Level, "WARDEN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "WARDEN_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "WARDEN_LOG_ASYNC")
	setInt(&cfg.Logging.AsyncBuffer, "WARDEN_LOG_ASYNC_BUFFER")

	// Cache
	setBool(&cfg.Cache.Enabled, "WARDEN_CACHE_ENABLED")
	setInt64(&cfg.Cache.MaxCostMB, "WARDEN_CACHE_MAX_COST_MB")
	setDuration(&cfg.Cache.TTL, "WARDEN_CACHE_TTL")

	// Events
	setBool(&cfg.NATS.Enabled, "WARDEN_NATS_ENABLED")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt(&cfg.Breaker.MaxFailures, "WARDEN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "WARDEN_BREAKER_TIMEOUT")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "WARDEN_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "WARDEN_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "WARDEN_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	switch cfg.Ledger.Driver {
	case DriverSQLite:
		if cfg.Ledger.SQLite.Path == "" {
			return errors.New("ledger.sqlite.path is required")
		}
		if cfg.Ledger.SQLite.MaxOpenConns < 1 {
			return errors.New("ledger.sqlite.max_open_conns must be >= 1")
		}
	case DriverPostgres:
		if cfg.Ledger.Postgres.DSN == "" {
			return errors.New("ledger.postgres.dsn is required")
		}
		if cfg.Ledger.Postgres.MaxConns < 1 {
			return errors.New("ledger.postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("ledger.driver %q must be %q or %q", cfg.Ledger.Driver, DriverSQLite, DriverPostgres)
	}
	if cfg.Ledger.MaxRetries < 0 {
		return errors.New("ledger.max_retries must be >= 0")
	}
	if cfg.Lease.DefaultMaxSteps < 1 {
		return errors.New("lease.default_max_steps must be >= 1")
	}
	if cfg.Lease.DefaultTTL <= 0 {
		return errors.New("lease.default_ttl must be positive")
	}
	if cfg.Coordinator.PollInterval <= 0 {
		return errors.New("coordinator.poll_interval must be positive")
	}
	if cfg.Coordinator.Timeout < 0 {
		return errors.New("coordinator.timeout must be >= 0")
	}
	if cfg.Policy.File == "" && cfg.Policy.Name == "" {
		return errors.New("policy.file or policy.name is required")
	}
	if cfg.Agent.ID == "" {
		return errors.New("agent.id is required")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Overrides holds values set on the command line. A nil field leaves the
// loaded value untouched.
type Overrides struct {
	ConfigPath *string
	Driver     *string
	SQLitePath *string
	DSN        *string
	LogLevel   *string
	AgentID    *string
	PolicyFile *string
}

// LoadWithOverrides loads configuration with the hierarchy
// defaults < YAML < ENV < CLI and returns the resolved config path.
func LoadWithOverrides(o Overrides) (*Config, string, error) {
	path := DefaultConfigFile
	if v := os.Getenv("WARDEN_CONFIG"); v != "" {
		path = v
	}
	if o.ConfigPath != nil && *o.ConfigPath != "" {
		path = *o.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyOverrides(&cfg, o)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func applyOverrides(cfg *Config, o Overrides) {
	apply := func(dst *string, v *string) {
		if v != nil && *v != "" {
			*dst = *v
		}
	}
	apply(&cfg.Ledger.Driver, o.Driver)
	apply(&cfg.Ledger.SQLite.Path, o.SQLitePath)
	apply(&cfg.Ledger.Postgres.DSN, o.DSN)
	apply(&cfg.Logging.Level, o.LogLevel)
	apply(&cfg.Agent.ID, o.AgentID)
	apply(&cfg.Policy.File, o.PolicyFile)
}
