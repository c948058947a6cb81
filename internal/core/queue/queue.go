// Package queue is a durable, idempotent job queue with retry and backoff.
// Every state change is written to the job store before it is acted on.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/store"
)

// JobStore is the persistence the queue needs. *store.Store implements it.
type JobStore interface {
	InsertJob(ctx context.Context, job core.Job) error
	FindJobByIdempotencyKey(ctx context.Context, key string) (*core.Job, error)
	GetJob(ctx context.Context, id string) (*core.Job, error)
	ClaimJob(ctx context.Context, id string, from core.JobStatus) error
	CompleteJob(ctx context.Context, id string, confirmationID string, actualAmount decimal.Decimal, at time.Time) error
	RetryJob(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, at time.Time) error
	FailJob(ctx context.Context, id string, retryCount int, lastError string, at time.Time) error
	ListJobs(ctx context.Context, q store.JobQuery) ([]core.Job, error)
	DueJobs(ctx context.Context, now time.Time, exclude []string, limit int) ([]core.Job, error)
	PendingRetries(ctx context.Context, now time.Time) ([]core.Job, error)
	CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int, error)
}

var (
	ErrAlreadyStarted = errors.New("queue already started")
	ErrInvalidJob     = errors.New("invalid job")
)

// Queue runs a fixed pool of workers over a JobStore.
type Queue struct {
	store  JobStore
	exec   core.Executor
	cfg    Config
	opts   Options
	logger core.Logger

	// intakeMu guards closed/draining and every send on notify.
	intakeMu sync.RWMutex
	closed   bool
	draining bool
	notify   chan string

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
	closeOnce   sync.Once
	closeErr    error

	attempts  atomic.Int64
	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
}

// New builds a queue. It does not touch the store until Start or Enqueue.
func New(js JobStore, exec core.Executor, cfg Config, opts Options) *Queue {
	cfg = cfg.withDefaults()
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}
	return &Queue{
		store:    js,
		exec:     exec,
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger,
		notify:   make(chan string, cfg.NotifyBuffer),
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue persists a new job and wakes a worker. A reused idempotency key
// returns a *core.DuplicateJobError; the existing job is authoritative.
func (q *Queue) Enqueue(ctx context.Context, nj core.NewJob) (core.Job, error) {
	if strings.TrimSpace(nj.IdempotencyKey) == "" {
		return core.Job{}, fmt.Errorf("%w: idempotency key is required", ErrInvalidJob)
	}
	if strings.TrimSpace(nj.Payload.TargetKey) == "" {
		return core.Job{}, fmt.Errorf("%w: target key is required", ErrInvalidJob)
	}

	q.intakeMu.RLock()
	defer q.intakeMu.RUnlock()
	if q.closed || q.draining {
		return core.Job{}, core.ErrQueueClosed
	}

	job := core.Job{
		ID:             q.newID(),
		Payload:        nj.Payload,
		IdempotencyKey: nj.IdempotencyKey,
		Status:         core.JobQueued,
		CreatedAt:      q.now().UTC().Truncate(time.Millisecond),
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		if errors.Is(err, core.ErrDuplicateJob) {
			q.logger.Info("Duplicate job rejected",
				zap.String("idempotency_key", nj.IdempotencyKey),
				zap.Error(err))
			return core.Job{}, err
		}
		return core.Job{}, core.Persistence("enqueue", err)
	}

	q.logger.Info("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("target_key", job.Payload.TargetKey),
		zap.String("idempotency_key", job.IdempotencyKey))
	q.transitioned(job, "", core.JobQueued)
	q.signalLocked(job.ID)
	return job, nil
}

// IsDuplicate reports whether key already belongs to a job.
func (q *Queue) IsDuplicate(ctx context.Context, key string) (bool, error) {
	job, err := q.store.FindJobByIdempotencyKey(ctx, key)
	if err != nil {
		return false, core.Persistence("is duplicate", err)
	}
	return job != nil, nil
}

// Start resubmits recoverable work and launches the workers. Jobs left in
// PROCESSING by a previous process are executed again from the start.
func (q *Queue) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.started {
		return ErrAlreadyStarted
	}

	q.intakeMu.RLock()
	closed := q.closed
	q.intakeMu.RUnlock()
	if closed {
		return core.ErrQueueClosed
	}

	if err := q.recover(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for i := 0; i < q.cfg.Workers; i++ {
		worker := i
		group.Go(func() error {
			return q.work(groupCtx, worker)
		})
	}

	q.started = true
	q.cancel = cancel
	go func() {
		err := group.Wait()
		q.lifecycleMu.Lock()
		q.err = err
		q.lifecycleMu.Unlock()
		if err != nil {
			q.logger.Error("Queue worker stopped on fatal error", zap.Error(err))
		}
		cancel()
		close(q.done)
	}()

	q.logger.Info("Queue started",
		zap.Int("workers", q.cfg.Workers),
		zap.Int("max_retries", q.cfg.MaxRetries),
		zap.Duration("poll_interval", q.cfg.PollInterval),
		zap.Duration("job_spacing", q.cfg.JobSpacing))
	return nil
}

func (q *Queue) recover(ctx context.Context) error {
	now := q.now()
	due, err := q.store.DueJobs(ctx, now, nil, q.cfg.NotifyBuffer)
	if err != nil {
		return core.Persistence("recover due jobs", err)
	}
	for _, job := range due {
		if job.Status == core.JobProcessing {
			q.logger.Warn("Re-running job interrupted mid-execution",
				zap.String("job_id", job.ID),
				zap.String("idempotency_key", job.IdempotencyKey))
		}
		q.signal(job.ID)
	}

	pending, err := q.store.PendingRetries(ctx, now)
	if err != nil {
		return core.Persistence("recover pending retries", err)
	}
	for _, job := range pending {
		if job.NextRetryAt != nil {
			q.scheduleRetry(job.ID, job.NextRetryAt.Sub(now))
		}
	}

	if len(due)+len(pending) > 0 {
		q.logger.Info("Recovered persisted jobs",
			zap.Int("due", len(due)),
			zap.Int("pending_retries", len(pending)))
	}
	return nil
}

// Stop closes intake, lets in-flight executions finish, then closes the
// store. It returns the fatal worker error, if any.
func (q *Queue) Stop(ctx context.Context) error {
	q.intakeMu.Lock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	q.intakeMu.Unlock()

	q.stopTimers()

	q.lifecycleMu.Lock()
	started := q.started
	cancel := q.cancel
	q.lifecycleMu.Unlock()

	if started {
		cancel()
		select {
		case <-q.done:
		case <-ctx.Done():
			return fmt.Errorf("stop queue: %w", ctx.Err())
		}
	}

	q.closeStore()
	q.logger.Info("Queue stopped")
	return q.Err()
}

// Drain stops intake, waits until no QUEUED, PROCESSING or RETRYING jobs
// remain, then stops the queue. Retries count as remaining work, so ctx
// should carry a deadline. If Drain gives up before stopping, intake is
// reopened.
func (q *Queue) Drain(ctx context.Context) error {
	q.setDraining(true)

	q.logger.Info("Draining queue")
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		counts, err := q.store.CountJobsByStatus(ctx)
		if err != nil {
			q.abandonDrain(err)
			return core.Persistence("drain", err)
		}
		if counts[core.JobQueued]+counts[core.JobProcessing]+counts[core.JobRetrying] == 0 {
			return q.Stop(ctx)
		}

		select {
		case <-ctx.Done():
			q.abandonDrain(ctx.Err())
			return fmt.Errorf("drain queue: %w", ctx.Err())
		case <-q.Done():
			if err := q.Err(); err != nil {
				q.abandonDrain(err)
				return err
			}
			return q.Stop(ctx)
		case <-ticker.C:
		}
	}
}

func (q *Queue) setDraining(v bool) {
	q.intakeMu.Lock()
	q.draining = v
	q.intakeMu.Unlock()
}

func (q *Queue) abandonDrain(cause error) {
	q.setDraining(false)
	q.logger.Warn("Drain abandoned, accepting jobs again", zap.Error(cause))
}

// Done is closed once every worker has exited after Start.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Err returns the error that stopped the workers, if any.
func (q *Queue) Err() error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.err != nil {
		return q.err
	}
	return q.closeErr
}

// RecentJobs returns up to limit jobs, newest first.
func (q *Queue) RecentJobs(ctx context.Context, limit int) ([]core.Job, error) {
	jobs, err := q.store.ListJobs(ctx, store.JobQuery{Limit: limit})
	if err != nil {
		return nil, core.Persistence("recent jobs", err)
	}
	return jobs, nil
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Counts    map[core.JobStatus]int `json:"counts"`
	Workers   int                    `json:"workers"`
	InFlight  []string               `json:"in_flight"`
	Attempts  int64                  `json:"attempts"`
	Completed int64                  `json:"completed"`
	Retried   int64                  `json:"retried"`
	Failed    int64                  `json:"failed"`
	Running   bool                   `json:"running"`
	Accepting bool                   `json:"accepting"`
}

// Stats combines persisted counts with process-local counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountJobsByStatus(ctx)
	if err != nil {
		return Stats{}, core.Persistence("stats", err)
	}

	q.intakeMu.RLock()
	accepting := !q.closed && !q.draining
	q.intakeMu.RUnlock()

	running := false
	q.lifecycleMu.Lock()
	if q.started {
		select {
		case <-q.done:
		default:
			running = true
		}
	}
	q.lifecycleMu.Unlock()

	return Stats{
		Counts:    counts,
		Workers:   q.cfg.Workers,
		InFlight:  q.inflightIDs(),
		Attempts:  q.attempts.Load(),
		Completed: q.completed.Load(),
		Retried:   q.retried.Load(),
		Failed:    q.failed.Load(),
		Running:   running,
		Accepting: accepting,
	}, nil
}

func (q *Queue) signal(id string) {
	q.intakeMu.RLock()
	defer q.intakeMu.RUnlock()
	q.signalLocked(id)
}

// signalLocked must be called with intakeMu held. A full buffer drops the
// notification; the poll loop finds the job in the store instead.
func (q *Queue) signalLocked(id string) {
	if q.closed {
		return
	}
	select {
	case q.notify <- id:
	default:
		q.logger.Debug("Notification buffer full, leaving job to polling", zap.String("job_id", id))
	}
}

func (q *Queue) scheduleRetry(id string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	q.timersMu.Lock()
	defer q.timersMu.Unlock()
	if old, ok := q.timers[id]; ok {
		old.Stop()
	}
	q.timers[id] = time.AfterFunc(delay, func() {
		q.timersMu.Lock()
		delete(q.timers, id)
		q.timersMu.Unlock()
		q.signal(id)
	})
}

func (q *Queue) stopTimers() {
	q.timersMu.Lock()
	defer q.timersMu.Unlock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) closeStore() {
	if q.opts.Closer == nil {
		return
	}
	q.closeOnce.Do(func() {
		if err := q.opts.Closer.Close(); err != nil {
			q.logger.Error("Failed to close job store", zap.Error(err))
			q.lifecycleMu.Lock()
			q.closeErr = core.Persistence("close store", err)
			q.lifecycleMu.Unlock()
		}
	})
}

func (q *Queue) markInflight(id string) bool {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *Queue) unmarkInflight(id string) {
	q.inflightMu.Lock()
	delete(q.inflight, id)
	q.inflightMu.Unlock()
}

func (q *Queue) isInflight(id string) bool {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	_, busy := q.inflight[id]
	return busy
}

func (q *Queue) inflightIDs() []string {
	q.inflightMu.Lock()
	ids := make([]string, 0, len(q.inflight))
	for id := range q.inflight {
		ids = append(ids, id)
	}
	q.inflightMu.Unlock()
	sort.Strings(ids)
	return ids
}

func (q *Queue) transitioned(job core.Job, from, to core.JobStatus) {
	if q.opts.OnTransition != nil {
		q.opts.OnTransition(job, from, to)
	}
}

func (q *Queue) now() time.Time {
	if q.opts.Clock != nil {
		return q.opts.Clock()
	}
	return time.Now()
}

func (q *Queue) newID() string {
	if q.opts.NewID != nil {
		return q.opts.NewID()
	}
	return uuid.NewString()
}

func (q *Queue) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if q.opts.Jitter != nil {
		return q.opts.Jitter(max)
	}
	return time.Duration(rand.Int64N(int64(max)))
}
