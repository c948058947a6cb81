package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/core"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{Driver: DriverSqlite, Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testJob(id, key string, created time.Time) core.Job {
	return core.Job{
		ID: id,
		Payload: core.JobPayload{
			TargetKey: "SOL/USDC",
			Amount:    decimal.RequireFromString("12.345678901234567890"),
			Reason:    "price feed stale",
		},
		IdempotencyKey: key,
		Status:         core.JobQueued,
		CreatedAt:      created,
	}
}

func TestInsertAndGetJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertJob(ctx, testJob("job-1", "key-1", baseTime)))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, job.Status)
	assert.Equal(t, "key-1", job.IdempotencyKey)
	assert.Equal(t, "12.34567890123456789", job.Payload.Amount.String())
	assert.Equal(t, baseTime, job.CreatedAt)
	assert.Nil(t, job.ProcessedAt)
	assert.Nil(t, job.NextRetryAt)
	assert.Nil(t, job.ActualAmount)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestInsertDuplicateIdempotencyKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertJob(ctx, testJob("job-1", "same", baseTime)))
	err := s.InsertJob(ctx, testJob("job-2", "same", baseTime))
	require.ErrorIs(t, err, core.ErrDuplicateJob)

	var dup *core.DuplicateJobError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "job-1", dup.ExistingID)

	jobs, err := s.ListJobs(ctx, JobQuery{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestConcurrentDuplicateInsertKeepsOneRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		dups int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertJob(ctx, testJob(fmt.Sprintf("job-%d", i), "race", baseTime))
			if err != nil {
				assert.ErrorIs(t, err, core.ErrDuplicateJob)
				mu.Lock()
				dups++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 9, dups)
	counts, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[core.JobQueued])
}

func TestJobLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertJob(ctx, testJob("job-1", "k", baseTime)))

	require.NoError(t, s.ClaimJob(ctx, "job-1", core.JobQueued))
	err := s.ClaimJob(ctx, "job-1", core.JobQueued)
	require.ErrorIs(t, err, core.ErrInvalidTransition, "second claim loses")

	next := baseTime.Add(2 * time.Second)
	require.NoError(t, s.RetryJob(ctx, "job-1", 1, next, "timeout", baseTime.Add(time.Second)))
	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.NextRetryAt)
	assert.Equal(t, next, *job.NextRetryAt)
	assert.Equal(t, "timeout", job.LastError)

	require.ErrorIs(t, s.CompleteJob(ctx, "job-1", "sig", decimal.NewFromInt(1), baseTime), core.ErrInvalidTransition)

	require.NoError(t, s.ClaimJob(ctx, "job-1", core.JobRetrying))
	require.NoError(t, s.CompleteJob(ctx, "job-1", "5xSig", decimal.RequireFromString("12.3"), baseTime.Add(3*time.Second)))

	job, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, job.Status)
	assert.Equal(t, "5xSig", job.ConfirmationID)
	require.NotNil(t, job.ActualAmount)
	assert.Equal(t, "12.3", job.ActualAmount.String())
	assert.Empty(t, job.LastError)
	require.NotNil(t, job.ProcessedAt)

	require.ErrorIs(t, s.ClaimJob(ctx, "job-1", core.JobCompleted), core.ErrInvalidTransition)
	require.ErrorIs(t, s.FailJob(ctx, "job-1", 1, "late", baseTime), core.ErrInvalidTransition)
}

func TestRecoveryClaimOfProcessingJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertJob(ctx, testJob("job-1", "k", baseTime)))
	require.NoError(t, s.ClaimJob(ctx, "job-1", core.JobQueued))

	require.NoError(t, s.ClaimJob(ctx, "job-1", core.JobProcessing))
	require.NoError(t, s.FailJob(ctx, "job-1", 0, "bad payload", baseTime))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, job.Status)
}

func TestDueJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertJob(ctx, testJob("queued", "k1", baseTime.Add(time.Second))))
	require.NoError(t, s.InsertJob(ctx, testJob("processing", "k2", baseTime)))
	require.NoError(t, s.ClaimJob(ctx, "processing", core.JobQueued))
	require.NoError(t, s.InsertJob(ctx, testJob("retry-due", "k3", baseTime)))
	require.NoError(t, s.ClaimJob(ctx, "retry-due", core.JobQueued))
	require.NoError(t, s.RetryJob(ctx, "retry-due", 1, baseTime.Add(500*time.Millisecond), "x", baseTime))
	require.NoError(t, s.InsertJob(ctx, testJob("retry-later", "k4", baseTime)))
	require.NoError(t, s.ClaimJob(ctx, "retry-later", core.JobQueued))
	require.NoError(t, s.RetryJob(ctx, "retry-later", 1, baseTime.Add(time.Hour), "x", baseTime))
	require.NoError(t, s.InsertJob(ctx, testJob("done", "k5", baseTime)))
	require.NoError(t, s.ClaimJob(ctx, "done", core.JobQueued))
	require.NoError(t, s.CompleteJob(ctx, "done", "c", decimal.Zero, baseTime))

	now := baseTime.Add(2 * time.Second)
	due, err := s.DueJobs(ctx, now, nil, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"processing", "retry-due", "queued"}, jobIDs(due))

	due, err = s.DueJobs(ctx, now, []string{"processing"}, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"retry-due", "queued"}, jobIDs(due))

	due, err = s.DueJobs(ctx, now, nil, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)

	pending, err := s.PendingRetries(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{"retry-later"}, jobIDs(pending))

	counts, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[core.JobStatus]int{
		core.JobQueued:     1,
		core.JobProcessing: 1,
		core.JobRetrying:   2,
		core.JobCompleted:  1,
		core.JobFailed:     0,
	}, counts)
}

func TestListJobsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertJob(ctx, testJob(fmt.Sprintf("job-%d", i), fmt.Sprintf("k-%d", i), baseTime.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.ClaimJob(ctx, "job-0", core.JobQueued))
	require.NoError(t, s.FailJob(ctx, "job-0", 0, "nope", baseTime))

	recent, err := s.ListJobs(ctx, JobQuery{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"job-4", "job-3"}, jobIDs(recent))

	failed, err := s.ListJobs(ctx, JobQuery{Statuses: []core.JobStatus{core.JobFailed}})
	require.NoError(t, err)
	require.Equal(t, []string{"job-0"}, jobIDs(failed))

	_, err = s.ListJobs(ctx, JobQuery{Statuses: []core.JobStatus{"BOGUS"}})
	require.Error(t, err)
}

func jobIDs(jobs []core.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	return ids
}
