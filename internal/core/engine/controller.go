package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/misses"
	"github.com/relaygate/relaygate/internal/core/pool"
	"github.com/relaygate/relaygate/internal/core/queue"
)

// BucketPublisher propagates bucket changes to other instances.
type BucketPublisher interface {
	PublishBucket(ctx context.Context, name string, cfg limiter.BucketConfig) error
}

// Controller is the admin surface over the running components.
type Controller struct {
	Limiter   *limiter.Limiter
	Pool      *pool.Pool
	Queue     *queue.Queue
	Tracker   *misses.Tracker
	Publisher BucketPublisher
	Clock     func() time.Time
	Logger    core.Logger
}

// Status aggregates every component snapshot.
type Status struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Degraded    bool                  `json:"degraded"`
	Buckets     []limiter.BucketStats `json:"buckets"`
	Endpoints   []pool.EndpointHealth `json:"endpoints"`
	Queue       queue.Stats           `json:"queue"`
	Misses      []misses.Record       `json:"misses"`
}

// Status reports Degraded when no endpoint circuit is CLOSED.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	status := Status{
		GeneratedAt: c.now().UTC(),
		Buckets:     c.Limiter.Stats(),
		Endpoints:   c.Pool.HealthStatus(),
		Misses:      c.Tracker.Snapshot(),
	}

	status.Degraded = true
	for _, ep := range status.Endpoints {
		if ep.State == pool.StateClosed {
			status.Degraded = false
			break
		}
	}

	stats, err := c.Queue.Stats(ctx)
	if err != nil {
		return status, err
	}
	status.Queue = stats
	return status, nil
}

// UpdateBucket applies a bucket change locally and publishes it when a
// publisher is configured. A publish failure is logged, not returned: the
// local change already took effect.
func (c *Controller) UpdateBucket(ctx context.Context, name string, cfg limiter.BucketConfig) error {
	if err := c.Limiter.UpdateBucket(name, cfg); err != nil {
		return err
	}
	if c.Publisher != nil {
		if err := c.Publisher.PublishBucket(ctx, name, cfg); err != nil {
			c.logger().Warn("Failed to publish bucket update",
				zap.String("bucket", name),
				zap.Error(err))
		}
	}
	return nil
}

// Buckets returns every bucket snapshot.
func (c *Controller) Buckets() []limiter.BucketStats {
	return c.Limiter.Stats()
}

// Endpoints returns the pool health report.
func (c *Controller) Endpoints() []pool.EndpointHealth {
	return c.Pool.HealthStatus()
}

// Misses returns the tracked miss records.
func (c *Controller) Misses() []misses.Record {
	return c.Tracker.Snapshot()
}

// ReportMiss records a miss for key and enqueues a corrective job once the
// key crosses the strike limit.
func (c *Controller) ReportMiss(ctx context.Context, key string, payload core.JobPayload) (MissOutcome, error) {
	r := Reconciler{Tracker: c.Tracker, Queue: c.Queue, Logger: c.logger()}
	return r.ReportMiss(ctx, key, payload)
}

// ClearMisses resets the miss streak for key.
func (c *Controller) ClearMisses(key string) {
	c.Tracker.RecordSuccess(key)
}

// ResetCircuit forces an endpoint's circuit closed.
func (c *Controller) ResetCircuit(url string) error {
	return c.Pool.ResetCircuit(url)
}

// Enqueue submits a job directly.
func (c *Controller) Enqueue(ctx context.Context, job core.NewJob) (core.Job, error) {
	return c.Queue.Enqueue(ctx, job)
}

// RecentJobs returns job history, newest first.
func (c *Controller) RecentJobs(ctx context.Context, limit int) ([]core.Job, error) {
	return c.Queue.RecentJobs(ctx, limit)
}

// QueueStats returns the queue snapshot.
func (c *Controller) QueueStats(ctx context.Context) (queue.Stats, error) {
	return c.Queue.Stats(ctx)
}

// DrainQueue drains the queue, bounded by timeout.
func (c *Controller) DrainQueue(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.Queue.Drain(ctx); err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	return nil
}

func (c *Controller) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Controller) logger() core.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return core.NopLogger()
}
