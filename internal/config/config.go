package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all process-level configuration. Per-server settings live in
// the registry file referenced by ServersFile.
type Config struct {
	// Server registry
	ServersFile string `envconfig:"SERVERS_FILE" default:"configs/servers.yaml"`

	StoreConfig

	// Connection pool
	MaxConnsPerServer int           `envconfig:"MAX_CONNS_PER_SERVER" default:"2"`
	AcquireTimeout    time.Duration `envconfig:"ACQUIRE_TIMEOUT" default:"30s"`
	DialTimeout       time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"2m"`

	// Mutation queue
	MutationMaxRetries int    `envconfig:"MUTATION_MAX_RETRIES" default:"5"`
	DrainInterval      string `envconfig:"DRAIN_INTERVAL" default:"@every 10s"`

	// Observability
	LogLevel           string  `envconfig:"LOG_LEVEL" default:"info"`
	LogFile            string  `envconfig:"LOG_FILE" default:""`
	TracingEnabled     bool    `envconfig:"TRACING_ENABLED" default:"false"`
	TracingEndpoint    string  `envconfig:"TRACING_ENDPOINT" default:""`
	TracingProtocol    string  `envconfig:"TRACING_PROTOCOL" default:"grpc"`
	TracingSampleRatio float64 `envconfig:"TRACING_SAMPLE_RATIO" default:"1"`

	// ClickHouse mirror (optional)
	ClickHouseEnabled bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	ClickHouseHost    string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	ClickHousePort    int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	ClickHouseDB      string `envconfig:"CLICKHOUSE_DB" default:"logs"`
	ClickHouseUser    string `envconfig:"CLICKHOUSE_USER" default:"default"`
	ClickHousePass    string `envconfig:"CLICKHOUSE_PASSWORD" default:""`
	ClickHouseBatch   int    `envconfig:"CLICKHOUSE_BATCH_SIZE" default:"1000"`

	// NATS publishing (optional, empty disables)
	NATSURL string `envconfig:"NATS_URL" default:""`
}

// StoreConfig locates the read pointer store. It is shared by the daemon and
// the pointer maintenance tool.
type StoreConfig struct {
	PointerBackend string `envconfig:"POINTER_BACKEND" default:"bolt"` // "bolt" or "sqlite"
	PointerPath    string `envconfig:"POINTER_PATH" default:"data/pointers.db"`
}

// LoadStore loads only the pointer store settings from INGEST_* variables
func LoadStore() (*StoreConfig, error) {
	var cfg StoreConfig
	if err := envconfig.Process("INGEST", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the backend name and path
func (c *StoreConfig) Validate() error {
	switch strings.ToLower(c.PointerBackend) {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("INGEST_POINTER_BACKEND must be bolt or sqlite, got %q", c.PointerBackend)
	}
	if c.PointerPath == "" {
		return fmt.Errorf("INGEST_POINTER_PATH is required")
	}
	return nil
}

// Load loads configuration from INGEST_* environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("INGEST", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ServersFile == "" {
		return fmt.Errorf("INGEST_SERVERS_FILE is required")
	}
	if err := c.StoreConfig.Validate(); err != nil {
		return err
	}
	if c.MaxConnsPerServer < 1 {
		return fmt.Errorf("INGEST_MAX_CONNS_PER_SERVER must be at least 1")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("INGEST_ACQUIRE_TIMEOUT must be positive")
	}
	if c.MutationMaxRetries < 0 {
		return fmt.Errorf("INGEST_MUTATION_MAX_RETRIES must not be negative")
	}
	if c.DrainInterval == "" {
		return fmt.Errorf("INGEST_DRAIN_INTERVAL is required")
	}
	if c.ClickHouseEnabled {
		if c.ClickHouseHost == "" {
			return fmt.Errorf("INGEST_CLICKHOUSE_HOST is required when ClickHouse is enabled")
		}
		if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
			return fmt.Errorf("INGEST_CLICKHOUSE_PORT must be between 1 and 65535")
		}
	}

	return nil
}
