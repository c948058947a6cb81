package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/pool"
)

// isolate points every lookup location at empty temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "xdg-data"))
	return dir
}

func loadFrom(t *testing.T, cfgFile string) *Config {
	t.Helper()
	v, err := NewViper(cfgFile)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		isolate(t)
		cfg := loadFrom(t, "")

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "libsql", cfg.Store.Driver)
		assert.Equal(t, filepath.Join(gfconfig.GetAppDataDir("relaygate"), "relaygate.db"), cfg.Store.Path)

		assert.Equal(t, limiter.DefaultMaxWait, cfg.Limiter.MaxWait)
		assert.Equal(t, map[string]limiter.BucketConfig{"rpc": {Rate: 14, Capacity: 28}}, cfg.Limiter.Buckets)

		assert.Equal(t, pool.DefaultFailureThreshold, cfg.Pool.FailureThreshold)
		assert.Equal(t, pool.DefaultSuccessThreshold, cfg.Pool.SuccessThreshold)
		assert.Equal(t, pool.DefaultTimeout, cfg.Pool.Timeout)
		assert.Empty(t, cfg.Pool.Endpoints)

		assert.Equal(t, 5*time.Minute, cfg.Misses.Window)
		assert.Equal(t, 4, cfg.Misses.MaxStrikes)

		assert.Equal(t, 1, cfg.Queue.Workers)
		assert.Equal(t, 3, cfg.Queue.MaxRetries)
		assert.Equal(t, time.Second, cfg.Queue.BaseRetryDelay)
		assert.Equal(t, 5*time.Minute, cfg.Queue.MaxRetryDelay)
		assert.Equal(t, 64, cfg.Queue.NotifyBuffer)

		assert.Equal(t, "relay_execute", cfg.Executor.Method)
		assert.False(t, cfg.Cluster.Enabled())
		assert.Empty(t, cfg.Admin.Token)

		assert.Same(t, cfg, GetConfig())
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "relaygate.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
store:
  driver: sqlite
  path: /tmp/jobs.db
limiter:
  max_wait: 250ms
  buckets:
    Submit:
      rate: 2
      capacity: 4
pool:
  failure_threshold: 3
  timeout: 45s
  endpoints:
    - url: https://primary.example
      priority: 0
      max_connections: 8
    - url: https://backup.example
      priority: 1
queue:
  workers: 4
  max_retries: 5
cluster:
  addr: localhost:6379
`), 0o600))

		cfg := loadFrom(t, path)

		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, "/tmp/jobs.db", cfg.Store.Path)
		assert.Equal(t, 250*time.Millisecond, cfg.Limiter.MaxWait)
		assert.Equal(t, limiter.BucketConfig{Rate: 2, Capacity: 4}, cfg.Limiter.Buckets["submit"])
		assert.Equal(t, 3, cfg.Pool.FailureThreshold)
		assert.Equal(t, 45*time.Second, cfg.Pool.Timeout)
		require.Len(t, cfg.Pool.Endpoints, 2)
		assert.Equal(t, pool.Endpoint{URL: "https://primary.example", Priority: 0, MaxConnections: 8}, cfg.Pool.Endpoints[0])
		assert.Equal(t, "https://backup.example", cfg.Pool.Endpoints[1].URL)
		assert.Equal(t, 4, cfg.Queue.Workers)
		assert.Equal(t, 5, cfg.Queue.MaxRetries)
		assert.True(t, cfg.Cluster.Enabled())
		assert.Equal(t, "relaygate:buckets", cfg.Cluster.Channel)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("RELAYGATE_SERVER_PORT", "9999")
		t.Setenv("RELAYGATE_QUEUE_BASE_RETRY_DELAY", "2s")
		t.Setenv("RELAYGATE_ADMIN_TOKEN", "secret")
		t.Setenv("RELAYGATE_LIMITER_BUCKETS", "rpc:5:10, Submit:0.5:1")
		t.Setenv("RELAYGATE_POOL_ENDPOINTS", "https://a.example, https://b.example")

		cfg := loadFrom(t, "")

		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, 2*time.Second, cfg.Queue.BaseRetryDelay)
		assert.Equal(t, "secret", cfg.Admin.Token)
		assert.Equal(t, map[string]limiter.BucketConfig{
			"rpc":    {Rate: 5, Capacity: 10},
			"submit": {Rate: 0.5, Capacity: 1},
		}, cfg.Limiter.Buckets)
		assert.Equal(t, []pool.Endpoint{
			{URL: "https://a.example", Priority: 0},
			{URL: "https://b.example", Priority: 1},
		}, cfg.Pool.Endpoints)
	})

	t.Run("DotEnv", func(t *testing.T) {
		dir := isolate(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RELAYGATE_QUEUE_WORKERS=3\n"), 0o600))
		t.Cleanup(func() { _ = os.Unsetenv("RELAYGATE_QUEUE_WORKERS") })

		cfg := loadFrom(t, "")
		assert.Equal(t, 3, cfg.Queue.Workers)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		dir := isolate(t)
		_, err := NewViper(filepath.Join(dir, "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("InvalidConfigRejected", func(t *testing.T) {
		isolate(t)
		t.Setenv("RELAYGATE_STORE_DRIVER", "postgres")
		v, err := NewViper("")
		require.NoError(t, err)
		_, err = Load(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.driver")
	})

	t.Run("NilViper", func(t *testing.T) {
		_, err := Load(nil)
		require.Error(t, err)
	})
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 70000},
		Logging: LoggingConfig{Level: "loud"},
		Limiter: LimiterConfig{Buckets: map[string]limiter.BucketConfig{"rpc": {Rate: 0, Capacity: 1}}},
		Pool: PoolConfig{Endpoints: []pool.Endpoint{
			{URL: "https://a.example"},
			{URL: "https://a.example"},
			{URL: "not a url"},
		}},
		Queue:   QueueConfig{BaseRetryDelay: time.Minute, MaxRetryDelay: time.Second},
		Cluster: ClusterConfig{Addr: "localhost:6379"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"server.port",
		"logging.level",
		"limiter.buckets.rpc",
		"duplicate url",
		"invalid url",
		"queue.base_retry_delay",
		"cluster.channel",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateAcceptsZeroConfig(t *testing.T) {
	require.NoError(t, (&Config{}).Validate())
}

func TestParseBuckets(t *testing.T) {
	buckets, err := ParseBuckets("")
	require.NoError(t, err)
	assert.Empty(t, buckets)

	buckets, err = ParseBuckets("rpc:14:28")
	require.NoError(t, err)
	assert.Equal(t, limiter.BucketConfig{Rate: 14, Capacity: 28}, buckets["rpc"])

	for _, bad := range []string{"rpc:14", ":1:2", "rpc:x:2", "rpc:1:y"} {
		_, err := ParseBuckets(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseEndpoints(t *testing.T) {
	assert.Empty(t, ParseEndpoints(" , "))
	assert.Equal(t, []pool.Endpoint{
		{URL: "https://a.example", Priority: 0},
		{URL: "https://b.example", Priority: 1},
	}, ParseEndpoints("https://a.example,,https://b.example"))
}

func TestDefaultStorePath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	assert.Equal(t, filepath.Join(gfconfig.GetAppDataDir("relaygate"), "relaygate.db"), DefaultStorePath())
	assert.Contains(t, DefaultConfigPath(), "config.yaml")
}
