package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/store"
)

type recordingExecutor struct {
	mu     sync.Mutex
	calls  map[string]int
	result func(job core.Job, attempt int) core.ExecutionResult
}

func newExecutor(result func(job core.Job, attempt int) core.ExecutionResult) *recordingExecutor {
	return &recordingExecutor{calls: make(map[string]int), result: result}
}

func (e *recordingExecutor) Execute(ctx context.Context, job core.Job) core.ExecutionResult {
	e.mu.Lock()
	e.calls[job.ID]++
	attempt := e.calls[job.ID]
	e.mu.Unlock()
	return e.result(job, attempt)
}

func (e *recordingExecutor) Calls(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

type transitionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transitionLog) record(job core.Job, from, to core.JobStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s:%s->%s", job.ID, from, to))
}

func (l *transitionLog) terminalCount(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entry := range l.entries {
		if entry == id+":PROCESSING->COMPLETED" || entry == id+":PROCESSING->FAILED" {
			n++
		}
	}
	return n
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), config.StoreConfig{Driver: store.DriverSqlite, Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fastConfig() Config {
	return Config{
		Workers:        1,
		MaxRetries:     3,
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  5 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		NotifyBuffer:   16,
	}
}

func noJitter(time.Duration) time.Duration { return 0 }

func newJob(key string) core.NewJob {
	return core.NewJob{
		IdempotencyKey: key,
		Payload: core.JobPayload{
			TargetKey: "SOL/USDC",
			Amount:    decimal.RequireFromString("1.5"),
			Reason:    "stale price",
		},
	}
}

func waitForStatus(t *testing.T, s *store.Store, id string, want core.JobStatus) *core.Job {
	t.Helper()
	var job *core.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
}

func TestEnqueueAndComplete(t *testing.T) {
	s := openStore(t)
	exec := newExecutor(func(job core.Job, _ int) core.ExecutionResult {
		return core.Succeeded("sig-"+job.ID, decimal.RequireFromString("1.49"))
	})
	q := New(s, exec, fastConfig(), Options{Jitter: noJitter})
	require.NoError(t, q.Start(context.Background()))
	defer stopQueue(t, q)

	job, err := q.Enqueue(context.Background(), newJob("buy-1"))
	require.NoError(t, err)
	require.Equal(t, core.JobQueued, job.Status)

	done := waitForStatus(t, s, job.ID, core.JobCompleted)
	assert.Equal(t, "sig-"+job.ID, done.ConfirmationID)
	require.NotNil(t, done.ActualAmount)
	assert.Equal(t, "1.49", done.ActualAmount.String())
	assert.Equal(t, 1, exec.Calls(job.ID))
}

func TestEnqueueDuplicateRejected(t *testing.T) {
	s := openStore(t)
	q := New(s, newExecutor(func(core.Job, int) core.ExecutionResult { return core.Succeeded("x", decimal.Zero) }), fastConfig(), Options{})

	first, err := q.Enqueue(context.Background(), newJob("same-key"))
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), newJob("same-key"))
	require.ErrorIs(t, err, core.ErrDuplicateJob)
	var dup *core.DuplicateJobError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	isDup, err := q.IsDuplicate(context.Background(), "same-key")
	require.NoError(t, err)
	assert.True(t, isDup)

	isDup, err = q.IsDuplicate(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, isDup)

	jobs, err := q.RecentJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestEnqueueValidation(t *testing.T) {
	q := New(openStore(t), newExecutor(nil), fastConfig(), Options{})

	_, err := q.Enqueue(context.Background(), core.NewJob{Payload: core.JobPayload{TargetKey: "x"}})
	require.ErrorIs(t, err, ErrInvalidJob)

	_, err = q.Enqueue(context.Background(), core.NewJob{IdempotencyKey: "k"})
	require.ErrorIs(t, err, ErrInvalidJob)
}

func TestRetryableFailureExhaustsAfterMaxRetries(t *testing.T) {
	s := openStore(t)
	exec := newExecutor(func(core.Job, int) core.ExecutionResult {
		return core.RetryableFailure("upstream timeout")
	})
	log := &transitionLog{}
	q := New(s, exec, fastConfig(), Options{Jitter: noJitter, OnTransition: log.record})
	require.NoError(t, q.Start(context.Background()))
	defer stopQueue(t, q)

	job, err := q.Enqueue(context.Background(), newJob("always-retry"))
	require.NoError(t, err)

	failed := waitForStatus(t, s, job.ID, core.JobFailed)
	assert.Equal(t, 3, failed.RetryCount)
	assert.Contains(t, failed.LastError, "upstream timeout")
	assert.Nil(t, failed.NextRetryAt)

	// Give any stray timer or poll a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, exec.Calls(job.ID))
	assert.Equal(t, 1, log.terminalCount(job.ID))
}

func TestRetryThenSucceed(t *testing.T) {
	s := openStore(t)
	exec := newExecutor(func(job core.Job, attempt int) core.ExecutionResult {
		if attempt < 3 {
			return core.RetryableFailure("busy")
		}
		return core.Succeeded("ok", decimal.NewFromInt(2))
	})
	q := New(s, exec, fastConfig(), Options{Jitter: noJitter})
	require.NoError(t, q.Start(context.Background()))
	defer stopQueue(t, q)

	job, err := q.Enqueue(context.Background(), newJob("eventually"))
	require.NoError(t, err)

	done := waitForStatus(t, s, job.ID, core.JobCompleted)
	assert.Equal(t, 2, done.RetryCount)
	assert.Equal(t, 3, exec.Calls(job.ID))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Attempts)
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, 1, stats.Counts[core.JobCompleted])
	assert.True(t, stats.Running)
	assert.True(t, stats.Accepting)
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	s := openStore(t)
	exec := newExecutor(func(core.Job, int) core.ExecutionResult {
		return core.PermanentFailure("insufficient balance")
	})
	q := New(s, exec, fastConfig(), Options{Jitter: noJitter})
	require.NoError(t, q.Start(context.Background()))
	defer stopQueue(t, q)

	job, err := q.Enqueue(context.Background(), newJob("broke"))
	require.NoError(t, err)

	failed := waitForStatus(t, s, job.ID, core.JobFailed)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, "insufficient balance", failed.LastError)
	assert.Equal(t, 1, exec.Calls(job.ID))
}

func TestExecutorPanicFailsJobOnly(t *testing.T) {
	s := openStore(t)
	exec := newExecutor(func(job core.Job, _ int) core.ExecutionResult {
		if job.IdempotencyKey == "boom" {
			panic("nil wallet")
		}
		return core.Succeeded("ok", decimal.Zero)
	})
	q := New(s, exec, fastConfig(), Options{Jitter: noJitter})
	require.NoError(t, q.Start(context.Background()))
	defer stopQueue(t, q)

	bad, err := q.Enqueue(context.Background(), newJob("boom"))
	require.NoError(t, err)
	good, err := q.Enqueue(context.Background(), newJob("fine"))
	require.NoError(t, err)

	failed := waitForStatus(t, s, bad.ID, core.JobFailed)
	assert.Contains(t, failed.LastError, "nil wallet")
	waitForStatus(t, s, good.ID, core.JobCompleted)
}

func TestRestartRecoversQueuedAndProcessingJobs(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)

	insert := func(id string, claim bool) {
		require.NoError(t, s.InsertJob(ctx, core.Job{
			ID:             id,
			Payload:        core.JobPayload{TargetKey: "BONK/SOL", Amount: decimal.NewFromInt(1)},
			IdempotencyKey: "key-" + id,
			Status:         core.JobQueued,
			CreatedAt:      created,
		}))
		if claim {
			require.NoError(t, s.ClaimJob(ctx, id, core.JobQueued))
		}
	}
	insert("queued-1", false)
	insert("queued-2", false)
	insert("crashed-1", true)

	exec := newExecutor(func(core.Job, int) core.ExecutionResult { return core.Succeeded("ok", decimal.Zero) })
	log := &transitionLog{}
	cfg := fastConfig()
	cfg.Workers = 2
	q := New(s, exec, cfg, Options{Jitter: noJitter, OnTransition: log.record})
	require.NoError(t, q.Start(ctx))

	for _, id := range []string{"queued-1", "queued-2", "crashed-1"} {
		waitForStatus(t, s, id, core.JobCompleted)
	}
	time.Sleep(30 * time.Millisecond)
	stopQueue(t, q)

	for _, id := range []string{"queued-1", "queued-2", "crashed-1"} {
		assert.Equal(t, 1, exec.Calls(id), id)
		assert.Equal(t, 1, log.terminalCount(id), id)
	}
}

func TestRestartReschedulesPendingRetry(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.InsertJob(ctx, core.Job{
		ID: "later", Payload: core.JobPayload{TargetKey: "k", Amount: decimal.Zero},
		IdempotencyKey: "later", Status: core.JobQueued, CreatedAt: now,
	}))
	require.NoError(t, s.ClaimJob(ctx, "later", core.JobQueued))
	require.NoError(t, s.RetryJob(ctx, "later", 1, now.Add(40*time.Millisecond), "busy", now))

	exec := newExecutor(func(core.Job, int) core.ExecutionResult { return core.Succeeded("ok", decimal.Zero) })
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	q := New(s, exec, cfg, Options{Jitter: noJitter})
	require.NoError(t, q.Start(ctx))
	defer stopQueue(t, q)

	waitForStatus(t, s, "later", core.JobCompleted)
}

func TestPollingPicksUpDroppedNotifications(t *testing.T) {
	s := openStore(t)
	exec := newExecutor(func(core.Job, int) core.ExecutionResult { return core.Succeeded("ok", decimal.Zero) })
	cfg := fastConfig()
	cfg.NotifyBuffer = 1
	q := New(s, exec, cfg, Options{Jitter: noJitter})

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		job, err := q.Enqueue(context.Background(), newJob(fmt.Sprintf("burst-%d", i)))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.NoError(t, q.Start(context.Background()))
	defer stopQueue(t, q)
	for _, id := range ids {
		waitForStatus(t, s, id, core.JobCompleted)
	}
}

type failingStore struct {
	*store.Store
	completeErr error
}

func (f *failingStore) CompleteJob(ctx context.Context, id string, confirmationID string, actual decimal.Decimal, at time.Time) error {
	return f.completeErr
}

func TestPersistenceFailureStopsWorkers(t *testing.T) {
	s := &failingStore{Store: openStore(t), completeErr: errors.New("disk I/O error")}
	exec := newExecutor(func(core.Job, int) core.ExecutionResult { return core.Succeeded("ok", decimal.Zero) })
	q := New(s, exec, fastConfig(), Options{Jitter: noJitter})
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), newJob("doomed"))
	require.NoError(t, err)

	select {
	case <-q.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not stop after a persistence failure")
	}
	require.True(t, core.IsPersistence(q.Err()))

	err = q.Stop(context.Background())
	require.True(t, core.IsPersistence(err))
}

type closeRecorder struct {
	mu     sync.Mutex
	closed bool
}

func (c *closeRecorder) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func TestStopWaitsForInFlightThenClosesStore(t *testing.T) {
	s := openStore(t)
	release := make(chan struct{})
	started := make(chan struct{})
	closer := &closeRecorder{}
	exec := newExecutor(func(core.Job, int) core.ExecutionResult {
		close(started)
		<-release
		return core.Succeeded("late", decimal.Zero)
	})
	q := New(s, exec, fastConfig(), Options{Jitter: noJitter, Closer: closer})
	require.NoError(t, q.Start(context.Background()))

	job, err := q.Enqueue(context.Background(), newJob("slow"))
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	closer.mu.Lock()
	require.False(t, closer.closed, "store closed while a job was executing")
	closer.mu.Unlock()

	_, err = q.Enqueue(context.Background(), newJob("too-late"))
	require.ErrorIs(t, err, core.ErrQueueClosed)

	close(release)
	require.NoError(t, <-stopped)

	closer.mu.Lock()
	require.True(t, closer.closed)
	closer.mu.Unlock()

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobCompleted, got.Status)
}

func TestDrainWaitsForOutstandingWork(t *testing.T) {
	s := openStore(t)
	exec := newExecutor(func(job core.Job, attempt int) core.ExecutionResult {
		if attempt == 1 {
			return core.RetryableFailure("first try fails")
		}
		return core.Succeeded("ok", decimal.Zero)
	})
	q := New(s, exec, fastConfig(), Options{Jitter: noJitter})
	require.NoError(t, q.Start(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), newJob(fmt.Sprintf("drain-%d", i)))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	counts, err := s.CountJobsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[core.JobCompleted])

	_, err = q.Enqueue(context.Background(), newJob("after-drain"))
	require.ErrorIs(t, err, core.ErrQueueClosed)
}

func TestDrainTimeoutReopensIntake(t *testing.T) {
	s := openStore(t)
	exec := newExecutor(func(job core.Job, attempt int) core.ExecutionResult {
		return core.RetryableFailure("downstream unavailable")
	})
	cfg := fastConfig()
	cfg.BaseRetryDelay = time.Hour
	cfg.MaxRetryDelay = time.Hour
	q := New(s, exec, cfg, Options{Jitter: noJitter})
	require.NoError(t, q.Start(context.Background()))
	defer stopQueue(t, q)

	job, err := q.Enqueue(context.Background(), newJob("stuck"))
	require.NoError(t, err)
	waitForStatus(t, s, job.ID, core.JobRetrying)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = q.Drain(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, core.IsPersistence(err))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.True(t, stats.Accepting)

	next, err := q.Enqueue(context.Background(), newJob("after-timeout"))
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, next.Status)
}

func TestStartTwice(t *testing.T) {
	q := New(openStore(t), newExecutor(nil), fastConfig(), Options{})
	require.NoError(t, q.Start(context.Background()))
	defer stopQueue(t, q)
	require.ErrorIs(t, q.Start(context.Background()), ErrAlreadyStarted)
}

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	assert.Equal(t, time.Second, Backoff(base, max, 0))
	assert.Equal(t, 2*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 16*time.Second, Backoff(base, max, 4))
	assert.Equal(t, max, Backoff(base, max, 5))
	assert.Equal(t, max, Backoff(base, max, 500))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{MaxRetries: -1, BaseRetryDelay: time.Minute, MaxRetryDelay: time.Second}.withDefaults()
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.MaxRetryDelay)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultNotifyBuffer, cfg.NotifyBuffer)
}
