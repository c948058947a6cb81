package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/server"
	"github.com/relaygate/relaygate/internal/server/handlers"
)

const statusInterval = 15 * time.Second

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue workers and the admin HTTP server",
	Long: `Run the queue workers and the admin HTTP server with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload config and apply limiter bucket changes

A completed drain (POST /admin/queue/drain) also shuts the server down.
A job store failure stops the workers and exits with a failure code.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	observability.InitServerLogger(config.AppName, cfg.Logging, config.AppName)
	logger := observability.ServerLogger

	if err := observability.InitMetrics(config.AppName, cfg.Metrics, config.AppName); err != nil {
		logger.Error("Failed to initialize metrics", zap.Error(err))
		return withExit(foundry.ExitFailure, "metrics initialization failed", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, observability.CoreLogger())
	if err != nil {
		return err
	}

	logger.Info("Initializing server",
		zap.String("service", config.AppName),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("metrics_port", observability.GetMetricsPort()),
		zap.String("store_driver", a.store.Driver()),
		zap.Int("endpoints", len(cfg.Pool.Endpoints)),
		zap.Bool("cluster", cfg.Cluster.Enabled()))

	health := handlers.NewHealthManager(versionInfo.Version)
	a.registerHealthChecks(health)

	srv := server.New(server.Options{
		Config:       cfg.Server,
		AdminToken:   cfg.Admin.Token,
		Admin:        a.controller,
		DrainTimeout: cfg.Queue.DrainTimeout,
		Health:       health,
	})

	var (
		shutdownOnce sync.Once
		shutdownErr  error
	)
	shutdown := func() error {
		shutdownOnce.Do(func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
			defer cancelShutdown()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
			}
			shutdownErr = a.close(shutdownCtx)
			cancel()

			if observability.PrometheusExporter != nil {
				_ = observability.PrometheusExporter.Stop()
			}
			if err := logger.Sync(); err != nil {
				logger.Debug("Logger sync returned error (may be benign)", zap.Error(err))
			}
		})
		return shutdownErr
	}

	// Handlers run LIFO: the HTTP server and queue stop before the logger flushes.
	signals.OnShutdown(func(context.Context) error {
		logger.Info("Flushing logger...")
		return nil
	})
	signals.OnShutdown(func(context.Context) error {
		logger.Info("Received shutdown signal")
		return shutdown()
	})
	signals.OnReload(func(context.Context) error {
		return reloadBuckets(ctx, a)
	})
	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	if err := a.queue.Start(ctx); err != nil {
		_ = a.close(context.Background())
		return withExit(foundry.ExitFailure, "failed to start job queue", err)
	}

	go a.tracker.Run(ctx, cfg.Misses.CleanupInterval)
	go a.startCluster(ctx)

	started := time.Now()
	metrics.SetServerStartTime(started)
	go reportStatus(ctx, a, started)

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Start() }()

	signalDone := make(chan error, 1)
	go func() { signalDone <- signals.Listen(ctx) }()

	health.MarkStarted()
	logger.Info("relaygate running",
		zap.String("addr", srv.Addr()),
		zap.Int("workers", a.queue.Config().Workers))

	select {
	case err := <-serveDone:
		if err != nil {
			_ = shutdown()
			return withExit(foundry.ExitFailure, "HTTP server failed", err)
		}
		return shutdown()

	case <-a.queue.Done():
		if err := a.queue.Err(); err != nil {
			logger.Error("Queue stopped on fatal error, shutting down", zap.Error(err))
			_ = shutdown()
			return withExit(foundry.ExitFailure, "job queue stopped", err)
		}
		logger.Info("Queue drained, shutting down")
		return shutdown()

	case err := <-signalDone:
		if err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			_ = shutdown()
			return withExit(foundry.ExitFailure, "signal handling failed", err)
		}
		return shutdown()

	case <-ctx.Done():
		return shutdown()
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// reloadBuckets re-reads the configuration and applies every configured
// bucket through the controller, so changes also reach the cluster.
func reloadBuckets(ctx context.Context, a *app) error {
	logger := a.logger
	logger.Info("Received SIGHUP: reloading limiter buckets")

	v, err := config.NewViper(cfgFile)
	if err != nil {
		logger.Error("Failed to reload config file", zap.Error(err))
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		logger.Error("Reloaded config is invalid, keeping current settings", zap.Error(err))
		return err
	}

	var failed int
	for name, bucket := range cfg.Limiter.Buckets {
		current, ok := a.limiter.Config(name)
		if ok && current == bucket {
			continue
		}
		if err := a.controller.UpdateBucket(ctx, name, bucket); err != nil {
			failed++
			logger.Warn("Failed to apply reloaded bucket",
				zap.String("bucket", name),
				zap.Error(err))
			continue
		}
		logger.Info("Applied reloaded bucket",
			zap.String("bucket", name),
			zap.Float64("rate", bucket.Rate),
			zap.Float64("capacity", bucket.Capacity))
	}
	if failed > 0 {
		return fmt.Errorf("%d bucket updates failed", failed)
	}
	return nil
}

// reportStatus refreshes the gauge metrics from the controller snapshot.
func reportStatus(ctx context.Context, a *app, started time.Time) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetServerUptime(started)
			status, err := a.controller.Status(ctx)
			if err != nil {
				a.logger.Warn("Status snapshot failed", zap.Error(err))
				continue
			}
			metrics.RecordStatus(status)
		}
	}
}
