package cmd

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/cluster"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/engine"
	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/misses"
	"github.com/relaygate/relaygate/internal/core/pool"
	"github.com/relaygate/relaygate/internal/core/queue"
	"github.com/relaygate/relaygate/internal/core/store"
	"github.com/relaygate/relaygate/internal/executor"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/server/handlers"
)

var errQueueStopped = stderrors.New("queue is not running")

// app is one wired relaygate instance.
type app struct {
	cfg        *config.Config
	logger     core.Logger
	store      *store.Store
	limiter    *limiter.Limiter
	pool       *pool.Pool
	tracker    *misses.Tracker
	executor   *executor.RPCExecutor
	queue      *queue.Queue
	controller *engine.Controller

	redis *redis.Client
	sync  *cluster.Sync
}

// newApp opens the store and builds every component from cfg. Nothing is
// started; the queue owns the store and closes it on Stop.
func newApp(ctx context.Context, cfg *config.Config, logger core.Logger) (*app, error) {
	if logger == nil {
		logger = core.NopLogger()
	}

	lim, err := limiter.New(cfg.Limiter.Buckets, limiter.Options{
		MaxWait:  cfg.Limiter.MaxWait,
		Logger:   logger,
		Observer: metrics.RecordDecision,
	})
	if err != nil {
		return nil, withExit(foundry.ExitConfigInvalid, "invalid limiter configuration", err)
	}

	p, err := pool.New(cfg.Pool.Endpoints, pool.Options{
		FailureThreshold: cfg.Pool.FailureThreshold,
		SuccessThreshold: cfg.Pool.SuccessThreshold,
		Timeout:          cfg.Pool.Timeout,
		Logger:           logger,
		OnStateChange:    metrics.RecordCircuitChange,
	})
	if err != nil {
		return nil, withExit(foundry.ExitConfigInvalid, "invalid endpoint pool configuration", err)
	}

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   db,
		limiter: lim,
		pool:    p,
		tracker: misses.New(misses.Options{
			Window:     cfg.Misses.Window,
			MaxStrikes: cfg.Misses.MaxStrikes,
			Logger:     logger,
		}),
	}

	guard := &engine.Guard{Limiter: lim, Pool: p, Logger: logger}
	a.executor = executor.New(guard, executor.Config{
		Method:    cfg.Executor.Method,
		Timeout:   cfg.Executor.Timeout,
		Bucket:    cfg.Executor.Bucket,
		Operation: cfg.Executor.Operation,
	})
	a.executor.Logger = logger

	a.queue = queue.New(db, a.executor, queueConfig(cfg.Queue), queue.Options{
		Logger:       logger,
		Closer:       db,
		OnTransition: metrics.RecordJobTransition,
		OnAttempt:    metrics.RecordJobAttempt,
	})

	a.controller = &engine.Controller{
		Limiter: lim,
		Pool:    p,
		Queue:   a.queue,
		Tracker: a.tracker,
		Logger:  logger,
	}

	if cfg.Cluster.Enabled() {
		a.redis = cluster.NewClient(cfg.Cluster)
		a.sync = cluster.New(a.redis, cfg.Cluster.Channel, lim, cluster.Options{Logger: logger})
		a.controller.Publisher = a.sync
	}

	return a, nil
}

// openStore opens and migrates the job store.
func openStore(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, withExit(foundry.ExitExternalServiceUnavailable, "failed to open job store", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, withExit(foundry.ExitFailure, "failed to migrate job store", err)
	}
	return db, nil
}

func queueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		Workers:        c.Workers,
		MaxRetries:     c.MaxRetries,
		BaseRetryDelay: c.BaseRetryDelay,
		MaxRetryDelay:  c.MaxRetryDelay,
		PollInterval:   c.PollInterval,
		JobSpacing:     c.JobSpacing,
		NotifyBuffer:   c.NotifyBuffer,
	}
}

// registerHealthChecks wires every component into the health manager.
func (a *app) registerHealthChecks(hm *handlers.HealthManager) {
	hm.RegisterChecker("store", handlers.CheckFunc(a.store.Ping))

	hm.RegisterChecker("queue", handlers.CheckFunc(func(ctx context.Context) error {
		select {
		case <-a.queue.Done():
			if err := a.queue.Err(); err != nil {
				return err
			}
			return errQueueStopped
		default:
		}
		if stats, err := a.queue.Stats(ctx); err == nil && !stats.Running {
			return errQueueStopped
		}
		return nil
	}))

	hm.RegisterChecker("endpoints", handlers.CheckFunc(func(context.Context) error {
		for _, ep := range a.pool.HealthStatus() {
			if ep.State == pool.StateClosed {
				return nil
			}
		}
		return handlers.ErrDegraded
	}))

	if a.redis != nil {
		hm.RegisterChecker("cluster", handlers.CheckFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}

	if a.cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", handlers.CheckFunc(func(context.Context) error {
			if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
				return stderrors.New("telemetry system not initialized")
			}
			return nil
		}))
	}
}

// startCluster subscribes to bucket updates, then replays the shared
// bucket state. Sync failures never stop the instance.
func (a *app) startCluster(ctx context.Context) {
	if a.sync == nil {
		return
	}

	go func() {
		if err := a.sync.Run(ctx); err != nil {
			a.logger.Error("Cluster sync stopped", zap.Error(err))
		}
	}()

	select {
	case <-a.sync.Ready():
	case <-ctx.Done():
		return
	}

	applied, err := a.sync.Bootstrap(ctx)
	if err != nil {
		a.logger.Warn("Cluster bootstrap failed", zap.Error(err))
		return
	}
	a.logger.Info("Cluster sync ready",
		zap.String("origin", a.sync.Origin()),
		zap.String("channel", a.cfg.Cluster.Channel),
		zap.Int("buckets_applied", applied))
}

// close stops the queue, which closes the store, and releases redis.
func (a *app) close(ctx context.Context) error {
	var errs error
	if err := a.queue.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stop queue: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errs
}
