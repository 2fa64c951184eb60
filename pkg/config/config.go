// Package config defines the runtime configuration of the nebula-cdc engine.
//
// The configuration is organized into sections that map onto the components
// the orchestrator drives:
//   - Connect: connector control service endpoint and its resilience settings
//   - Kafka: broker list used to cross-check discovered topics
//   - Store: where pipeline and connection records live
//   - FullLoad: paging and object batch settings for the transfer coordinator
//   - Reconciler: bounded waits used while ensuring connectors
//   - Logging and Observability: zap, Prometheus and OpenTelemetry settings
//
// Example usage:
//
//	cfg := config.NewConfig()
//	cfg.Connect.URL = "http://connect:8083"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-cdc/pkg/logger"
)

// Config is the top-level engine configuration
type Config struct {
	// Name identifies this engine instance in logs and metrics
	Name string `yaml:"name" json:"name"`

	Connect       ConnectConfig       `yaml:"connect" json:"connect"`
	Kafka         KafkaConfig         `yaml:"kafka" json:"kafka"`
	Store         StoreConfig         `yaml:"store" json:"store"`
	FullLoad      FullLoadConfig      `yaml:"full_load" json:"full_load"`
	Reconciler    ReconcilerConfig    `yaml:"reconciler" json:"reconciler"`
	Timeouts      TimeoutConfig       `yaml:"timeouts" json:"timeouts"`
	Logging       logger.Config       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ConnectConfig describes the connector control service
type ConnectConfig struct {
	// URL is the base URL of the Kafka Connect REST API
	URL string `yaml:"url" json:"url"`
	// RequestTimeout bounds a single REST call
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// EnableHTTP2 negotiates HTTP/2 with the control service
	EnableHTTP2 bool `yaml:"enable_http2" json:"enable_http2"`

	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
}

// ReliabilityConfig contains retry and circuit breaker settings for control calls
type ReliabilityConfig struct {
	// RetryAttempts sets maximum retry attempts for failed operations
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// CircuitBreaker enables the circuit breaker around control calls
	CircuitBreaker bool `yaml:"circuit_breaker" json:"circuit_breaker"`
	// FailureThreshold opens the breaker after this many consecutive failures
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// BreakerTimeout is how long the breaker stays open
	BreakerTimeout time.Duration `yaml:"breaker_timeout" json:"breaker_timeout"`
}

// KafkaConfig holds broker settings used for topic listing
type KafkaConfig struct {
	Brokers  []string      `yaml:"brokers" json:"brokers"`
	ClientID string        `yaml:"client_id" json:"client_id"`
	Version  string        `yaml:"version" json:"version"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// StoreConfig selects the pipeline record store
type StoreConfig struct {
	// Driver is "memory" or "postgres"
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the postgres connection string
	DSN string `yaml:"dsn" json:"dsn"`
	// MaxConns caps the pgx pool size
	MaxConns int32 `yaml:"max_conns" json:"max_conns"`
	// DefinitionsFile seeds the memory store with connections and pipelines
	DefinitionsFile string `yaml:"definitions_file" json:"definitions_file"`
}

// FullLoadConfig controls the transfer coordinator
type FullLoadConfig struct {
	// PageSize is the fixed page size for relational transfer
	PageSize int `yaml:"page_size" json:"page_size"`
	// TransferSchema creates target tables from the extracted source schema
	TransferSchema bool `yaml:"transfer_schema" json:"transfer_schema"`
	// ObjectFormat is the batch object encoding (jsonl, avro, parquet)
	ObjectFormat string `yaml:"object_format" json:"object_format"`
	// Compression is applied to batch objects (none, gzip, zstd, lz4)
	Compression string `yaml:"compression" json:"compression"`
	// ObjectPrefix is prepended to batch object keys when the target has none
	ObjectPrefix string `yaml:"object_prefix" json:"object_prefix"`
}

// ReconcilerConfig bounds the connector waits
type ReconcilerConfig struct {
	CreateTimeout    time.Duration `yaml:"create_timeout" json:"create_timeout"`
	RestartTimeout   time.Duration `yaml:"restart_timeout" json:"restart_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval" json:"poll_interval"`
	TopicSettleDelay time.Duration `yaml:"topic_settle_delay" json:"topic_settle_delay"`
}

// TimeoutConfig contains engine-wide timeouts
type TimeoutConfig struct {
	// Persist bounds a status write, including the terminal write after cancellation
	Persist time.Duration `yaml:"persist" json:"persist"`
	// Connection bounds opening source and target capabilities
	Connection time.Duration `yaml:"connection" json:"connection"`
}

// ObservabilityConfig contains monitoring settings
type ObservabilityConfig struct {
	// EnableMetrics serves Prometheus metrics on MetricsAddr
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
	// EnableTracing exports orchestration spans to stdout
	EnableTracing     bool    `yaml:"enable_tracing" json:"enable_tracing"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	ServiceName       string  `yaml:"service_name" json:"service_name"`
}

// NewConfig creates a Config with production defaults
func NewConfig() *Config {
	return &Config{
		Name: "nebula-cdc",
		Connect: ConnectConfig{
			URL:            "http://localhost:8083",
			RequestTimeout: 30 * time.Second,
			EnableHTTP2:    false,
			Reliability: ReliabilityConfig{
				RetryAttempts:    3,
				RetryDelay:       time.Second,
				RetryMultiplier:  2.0,
				MaxRetryDelay:    30 * time.Second,
				CircuitBreaker:   true,
				FailureThreshold: 5,
				BreakerTimeout:   30 * time.Second,
			},
		},
		Kafka: KafkaConfig{
			ClientID: "nebula-cdc",
			Version:  "2.8.0",
			Timeout:  10 * time.Second,
		},
		Store: StoreConfig{
			Driver:   "memory",
			MaxConns: 10,
		},
		FullLoad: FullLoadConfig{
			PageSize:       10000,
			TransferSchema: true,
			ObjectFormat:   "jsonl",
			Compression:    "none",
		},
		Reconciler: ReconcilerConfig{
			CreateTimeout:    120 * time.Second,
			RestartTimeout:   60 * time.Second,
			PollInterval:     2 * time.Second,
			TopicSettleDelay: 5 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Persist:    10 * time.Second,
			Connection: 30 * time.Second,
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Observability: ObservabilityConfig{
			EnableMetrics:     false,
			MetricsAddr:       ":9090",
			EnableTracing:     false,
			TracingSampleRate: 0.1,
			ServiceName:       "nebula-cdc",
		},
	}
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Connect.URL == "" {
		return fmt.Errorf("connect.url is required")
	}
	if c.Connect.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("connect.reliability.retry_attempts cannot be negative")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.FullLoad.PageSize <= 0 {
		return fmt.Errorf("full_load.page_size must be positive")
	}
	switch c.FullLoad.ObjectFormat {
	case "jsonl", "avro", "parquet":
	default:
		return fmt.Errorf("unknown full_load.object_format %q", c.FullLoad.ObjectFormat)
	}
	switch c.FullLoad.Compression {
	case "", "none", "gzip", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown full_load.compression %q", c.FullLoad.Compression)
	}
	if c.Reconciler.CreateTimeout <= 0 || c.Reconciler.RestartTimeout <= 0 {
		return fmt.Errorf("reconciler timeouts must be positive")
	}
	if c.Reconciler.PollInterval <= 0 {
		return fmt.Errorf("reconciler.poll_interval must be positive")
	}
	if c.Reconciler.TopicSettleDelay < 0 {
		return fmt.Errorf("reconciler.topic_settle_delay cannot be negative")
	}
	if c.Timeouts.Persist <= 0 {
		return fmt.Errorf("timeouts.persist must be positive")
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return fmt.Errorf("observability.tracing_sample_rate must be within [0, 1]")
	}
	return nil
}

// IsCompressionEnabled returns true if batch objects should be compressed
func (f *FullLoadConfig) IsCompressionEnabled() bool {
	return f.Compression != "" && f.Compression != "none"
}

// HasBrokers returns true if broker topic listing is configured
func (k *KafkaConfig) HasBrokers() bool {
	return len(k.Brokers) > 0
}
