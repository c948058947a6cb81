package config

import (
	"time"

	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/pool"
)

// Config represents the complete application configuration.
// Values are layered: built-in defaults, then the config file, then
// RELAYGATE_* environment variables (a .env file in the working directory
// is loaded into the environment first).
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Limiter  LimiterConfig  `mapstructure:"limiter" yaml:"limiter"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Misses   MissesConfig   `mapstructure:"misses" yaml:"misses"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Cluster  ClusterConfig  `mapstructure:"cluster" yaml:"cluster"`
	Admin    AdminConfig    `mapstructure:"admin" yaml:"admin"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the dedicated Prometheus exporter port. The main HTTP server
	// proxies it on /metrics.
	Port int `mapstructure:"port" yaml:"port"`
}

// StoreConfig contains database configuration for the job store.
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// LimiterConfig configures the token buckets.
//
// Bucket names are case-insensitive when read from a config file and are
// stored lowercased.
type LimiterConfig struct {
	MaxWait time.Duration                   `mapstructure:"max_wait" yaml:"max_wait"`
	Buckets map[string]limiter.BucketConfig `mapstructure:"buckets" yaml:"buckets"`
}

// PoolConfig configures the circuit breakers and the upstream endpoints.
type PoolConfig struct {
	FailureThreshold int             `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int             `mapstructure:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	Endpoints        []pool.Endpoint `mapstructure:"endpoints" yaml:"endpoints"`
}

// MissesConfig configures the consecutive-miss tracker.
type MissesConfig struct {
	Window          time.Duration `mapstructure:"window" yaml:"window"`
	MaxStrikes      int           `mapstructure:"max_strikes" yaml:"max_strikes"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// QueueConfig configures the durable job queue workers.
type QueueConfig struct {
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay" yaml:"base_retry_delay"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JobSpacing     time.Duration `mapstructure:"job_spacing" yaml:"job_spacing"`
	NotifyBuffer   int           `mapstructure:"notify_buffer" yaml:"notify_buffer"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// ExecutorConfig configures the JSON-RPC executor that runs queued jobs.
type ExecutorConfig struct {
	// Method is the JSON-RPC method invoked for every job.
	Method    string        `mapstructure:"method" yaml:"method"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Bucket    string        `mapstructure:"bucket" yaml:"bucket"`
	Operation string        `mapstructure:"operation" yaml:"operation"`
}

// ClusterConfig configures bucket update fan-out over Redis pub/sub.
// Sync is disabled when Addr is empty.
type ClusterConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	// Token enables bearer authentication on /admin routes when set.
	Token string `mapstructure:"token" yaml:"token"`
}

// Enabled reports whether cluster sync is configured.
func (c ClusterConfig) Enabled() bool {
	return c.Addr != ""
}
