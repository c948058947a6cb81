// Package config provides centralized configuration management for relaygate.
//
// Configuration is layered with viper: defaults registered by SetDefaults,
// then the config file (--config, ./config/relaygate.yaml or the XDG config
// directory), then RELAYGATE_* environment variables. A .env file in the
// working directory is loaded into the process environment before viper
// reads it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/pool"
)

const (
	// AppName names the config and data directories.
	AppName = "relaygate"

	// EnvPrefix is prepended to every environment override, e.g.
	// RELAYGATE_SERVER_PORT or RELAYGATE_STORE_DRIVER.
	EnvPrefix = "RELAYGATE"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// NewViper builds a viper instance with defaults, the config file and the
// environment applied. A missing config file is not an error unless
// cfgFile names it explicitly.
func NewViper(cfgFile string) (*viper.Viper, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := gfconfig.GetAppConfigDir(AppName); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return v, nil
}

// loadDotEnv loads ./.env when present. Variables already set in the
// environment win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// SetDefaults registers the default value of every config key.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("limiter.max_wait", limiter.DefaultMaxWait.String())
	v.SetDefault("limiter.buckets", map[string]any{
		"rpc": map[string]any{"rate": 14, "capacity": 28},
	})

	v.SetDefault("pool.failure_threshold", pool.DefaultFailureThreshold)
	v.SetDefault("pool.success_threshold", pool.DefaultSuccessThreshold)
	v.SetDefault("pool.timeout", pool.DefaultTimeout.String())
	v.SetDefault("pool.endpoints", []any{})

	v.SetDefault("misses.window", "5m")
	v.SetDefault("misses.max_strikes", 4)
	v.SetDefault("misses.cleanup_interval", "1m")

	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.base_retry_delay", "1s")
	v.SetDefault("queue.max_retry_delay", "5m")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.job_spacing", "0s")
	v.SetDefault("queue.notify_buffer", 64)
	v.SetDefault("queue.drain_timeout", "30s")

	v.SetDefault("executor.method", "relay_execute")
	v.SetDefault("executor.timeout", "10s")
	v.SetDefault("executor.bucket", "rpc")
	v.SetDefault("executor.operation", "execute")

	v.SetDefault("cluster.addr", "")
	v.SetDefault("cluster.password", "")
	v.SetDefault("cluster.db", 0)
	v.SetDefault("cluster.channel", "relaygate:buckets")

	v.SetDefault("admin.token", "")
}

// Load decodes the viper settings into a typed Config, validates it and
// makes it available through GetConfig.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("config: nil viper instance")
	}

	settings := v.AllSettings()
	applyListEnv(settings)

	cfg, err := Decode(settings)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// listEnvKeys are config keys whose env override is a single list string.
// viper flattens map defaults into leaf keys, so these are applied by hand.
var listEnvKeys = []string{"limiter.buckets", "pool.endpoints"}

func applyListEnv(settings map[string]any) {
	for _, key := range listEnvKeys {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		raw, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		section, leaf, _ := strings.Cut(key, ".")
		parent, ok := settings[section].(map[string]any)
		if !ok {
			parent = map[string]any{}
			settings[section] = parent
		}
		parent[leaf] = raw
	}
}

// Decode converts a raw settings map into a Config.
func Decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToBucketsHookFunc(),
			stringToEndpointsHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// stringToBucketsHookFunc parses the env form of limiter.buckets:
// "name:rate:capacity,name:rate:capacity".
func stringToBucketsHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(map[string]limiter.BucketConfig{})
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		return ParseBuckets(data.(string))
	}
}

// ParseBuckets parses "name:rate:capacity" items separated by commas.
func ParseBuckets(raw string) (map[string]limiter.BucketConfig, error) {
	buckets := make(map[string]limiter.BucketConfig)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return buckets, nil
	}

	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("bucket must follow NAME:RATE:CAPACITY: %s", item)
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		if name == "" {
			return nil, fmt.Errorf("bucket name is empty: %s", item)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for bucket %s: %w", name, err)
		}
		capacity, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid capacity for bucket %s: %w", name, err)
		}
		buckets[name] = limiter.BucketConfig{Rate: rate, Capacity: capacity}
	}
	return buckets, nil
}

// stringToEndpointsHookFunc parses the env form of pool.endpoints: a comma
// separated URL list where list position is the priority.
func stringToEndpointsHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf([]pool.Endpoint{})
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		return ParseEndpoints(data.(string)), nil
	}
}

// ParseEndpoints turns "url1,url2" into endpoints with priorities 0, 1, ...
func ParseEndpoints(raw string) []pool.Endpoint {
	var endpoints []pool.Endpoint
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		endpoints = append(endpoints, pool.Endpoint{URL: item, Priority: len(endpoints)})
	}
	return endpoints
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.level invalid: %q", c.Logging.Level))
	}

	switch strings.TrimSpace(c.Store.Driver) {
	case "", "libsql", "sqlite":
	default:
		errs = multierr.Append(errs, fmt.Errorf("store.driver must be libsql or sqlite: %q", c.Store.Driver))
	}

	if c.Limiter.MaxWait < 0 {
		errs = multierr.Append(errs, fmt.Errorf("limiter.max_wait must not be negative: %s", c.Limiter.MaxWait))
	}
	for name, bucket := range c.Limiter.Buckets {
		if err := bucket.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("limiter.buckets.%s: %w", name, err))
		}
	}

	if c.Pool.FailureThreshold < 0 || c.Pool.SuccessThreshold < 0 || c.Pool.Timeout < 0 {
		errs = multierr.Append(errs, errors.New("pool thresholds and timeout must not be negative"))
	}
	seen := make(map[string]bool, len(c.Pool.Endpoints))
	for i, endpoint := range c.Pool.Endpoints {
		u, err := url.Parse(endpoint.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("pool.endpoints[%d]: invalid url %q", i, endpoint.URL))
			continue
		}
		if seen[endpoint.URL] {
			errs = multierr.Append(errs, fmt.Errorf("pool.endpoints[%d]: duplicate url %q", i, endpoint.URL))
		}
		seen[endpoint.URL] = true
	}

	if c.Misses.Window < 0 || c.Misses.MaxStrikes < 0 || c.Misses.CleanupInterval < 0 {
		errs = multierr.Append(errs, errors.New("misses settings must not be negative"))
	}

	q := c.Queue
	if q.Workers < 0 || q.MaxRetries < 0 || q.NotifyBuffer < 0 {
		errs = multierr.Append(errs, errors.New("queue counts must not be negative"))
	}
	for key, d := range map[string]time.Duration{
		"queue.base_retry_delay": q.BaseRetryDelay,
		"queue.max_retry_delay":  q.MaxRetryDelay,
		"queue.poll_interval":    q.PollInterval,
		"queue.job_spacing":      q.JobSpacing,
		"queue.drain_timeout":    q.DrainTimeout,
		"executor.timeout":       c.Executor.Timeout,
	} {
		if d < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative: %s", key, d))
		}
	}
	if q.BaseRetryDelay > 0 && q.MaxRetryDelay > 0 && q.BaseRetryDelay > q.MaxRetryDelay {
		errs = multierr.Append(errs, errors.New("queue.base_retry_delay exceeds queue.max_retry_delay"))
	}

	if c.Cluster.Enabled() && strings.TrimSpace(c.Cluster.Channel) == "" {
		errs = multierr.Append(errs, errors.New("cluster.channel is required when cluster.addr is set"))
	}

	if errs != nil {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
