package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/core"
)

// work is one worker loop. It returns nil on shutdown and a
// *core.PersistenceError when the store fails.
func (q *Queue) work(ctx context.Context, worker int) error {
	poll := time.NewTicker(q.cfg.PollInterval)
	defer poll.Stop()

	log := q.logger
	log.Debug("Queue worker started", zap.Int("worker", worker))
	defer log.Debug("Queue worker stopped", zap.Int("worker", worker))

	for {
		var (
			processed bool
			err       error
		)
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-q.notify:
			if !ok {
				return nil
			}
			processed, err = q.processByID(ctx, id)
		case <-poll.C:
			processed, err = q.processNext(ctx)
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if processed && q.cfg.JobSpacing > 0 {
			timer := time.NewTimer(q.cfg.JobSpacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func (q *Queue) processByID(ctx context.Context, id string) (bool, error) {
	job, err := q.store.GetJob(ctx, id)
	if errors.Is(err, core.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, core.Persistence("load job", err)
	}
	if !q.eligible(*job, q.now()) {
		return false, nil
	}
	return q.process(ctx, *job)
}

func (q *Queue) processNext(ctx context.Context) (bool, error) {
	due, err := q.store.DueJobs(ctx, q.now(), q.inflightIDs(), 1)
	if err != nil {
		return false, core.Persistence("poll due jobs", err)
	}
	if len(due) == 0 {
		return false, nil
	}
	return q.process(ctx, due[0])
}

func (q *Queue) eligible(job core.Job, now time.Time) bool {
	switch job.Status {
	case core.JobQueued:
		return true
	case core.JobRetrying:
		return job.NextRetryAt == nil || !job.NextRetryAt.After(now)
	case core.JobProcessing:
		return !q.isInflight(job.ID)
	default:
		return false
	}
}

// process claims job, runs the executor once and persists the outcome. The
// executor call and the outcome write are shielded from cancellation so a
// started attempt always lands in the store.
func (q *Queue) process(ctx context.Context, job core.Job) (bool, error) {
	if !q.markInflight(job.ID) {
		return false, nil
	}
	defer q.unmarkInflight(job.ID)

	from := job.Status
	if err := q.store.ClaimJob(ctx, job.ID, from); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			q.logger.Debug("Job already claimed", zap.String("job_id", job.ID))
			return false, nil
		}
		return false, core.Persistence("claim job", err)
	}
	job.Status = core.JobProcessing
	job.NextRetryAt = nil
	q.transitioned(job, from, core.JobProcessing)

	detached := context.WithoutCancel(ctx)
	started := q.now()
	result := q.execute(detached, job)
	elapsed := q.now().Sub(started)
	q.attempts.Inc()
	if q.opts.OnAttempt != nil {
		q.opts.OnAttempt(job, result, elapsed)
	}

	return true, q.settle(detached, job, result)
}

func (q *Queue) execute(ctx context.Context, job core.Job) (result core.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Executor panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
			result = core.PermanentFailure(fmt.Sprintf("executor panic: %v", r))
		}
	}()

	result = q.exec.Execute(ctx, job)
	if result.Outcome == 0 {
		result = core.PermanentFailure("executor returned no outcome")
	}
	return result
}

func (q *Queue) settle(ctx context.Context, job core.Job, result core.ExecutionResult) error {
	now := q.now().UTC()
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("target_key", job.Payload.TargetKey),
		zap.Int("retry_count", job.RetryCount),
	}

	switch result.Outcome {
	case core.OutcomeSuccess:
		if err := q.store.CompleteJob(ctx, job.ID, result.ConfirmationID, result.ActualAmount, now); err != nil {
			return core.Persistence("complete job", err)
		}
		q.completed.Inc()
		job.ConfirmationID = result.ConfirmationID
		q.logger.Info("Job completed", append(fields, zap.String("confirmation_id", result.ConfirmationID))...)
		q.transitioned(job, core.JobProcessing, core.JobCompleted)
		return nil

	case core.OutcomeRetryable:
		if job.RetryCount < q.cfg.MaxRetries {
			delay := Backoff(q.cfg.BaseRetryDelay, q.cfg.MaxRetryDelay, job.RetryCount) + q.jitter(MaxRetryJitter)
			next := now.Add(delay).Truncate(time.Millisecond)
			if err := q.store.RetryJob(ctx, job.ID, job.RetryCount+1, next, result.Message, now); err != nil {
				return core.Persistence("retry job", err)
			}
			q.retried.Inc()
			job.RetryCount++
			job.LastError = result.Message
			job.NextRetryAt = &next
			q.logger.Warn("Job failed, retry scheduled",
				append(fields, zap.Duration("delay", delay), zap.String("error", result.Message))...)
			q.transitioned(job, core.JobProcessing, core.JobRetrying)
			q.scheduleRetry(job.ID, next.Sub(q.now()))
			return nil
		}
		return q.fail(ctx, job, "retries exhausted: "+result.Message, now, fields)

	default:
		return q.fail(ctx, job, result.Message, now, fields)
	}
}

func (q *Queue) fail(ctx context.Context, job core.Job, message string, now time.Time, fields []zap.Field) error {
	if err := q.store.FailJob(ctx, job.ID, job.RetryCount, message, now); err != nil {
		return core.Persistence("fail job", err)
	}
	q.failed.Inc()
	job.LastError = message
	q.logger.Error("Job failed permanently", append(fields, zap.String("error", message))...)
	q.transitioned(job, core.JobProcessing, core.JobFailed)
	return nil
}
