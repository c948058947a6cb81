package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/misses"
)

// Enqueuer accepts corrective jobs. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job core.NewJob) (core.Job, error)
}

// Reconciler turns repeated data misses into a single corrective job.
type Reconciler struct {
	Tracker *misses.Tracker
	Queue   Enqueuer
	Logger  core.Logger
}

// MissOutcome describes what ReportMiss did.
type MissOutcome struct {
	Record misses.Record `json:"record"`
	Forced bool          `json:"forced"`
	// Job is set when this miss enqueued a new job.
	Job *core.Job `json:"job,omitempty"`
	// Duplicate is set when the corrective job already existed.
	Duplicate bool `json:"duplicate"`
}

// ForceKey is the idempotency key for the corrective job of one miss streak.
// Misses in the same window map to the same key, so a retried report never
// enqueues twice.
func ForceKey(key string, record misses.Record) string {
	return fmt.Sprintf("force:%s:%d", key, record.FirstMissTime.UnixMilli())
}

// ReportMiss records a miss for key. Once the tracker demands action, a job
// carrying payload is enqueued and the miss record is cleared.
func (r *Reconciler) ReportMiss(ctx context.Context, key string, payload core.JobPayload) (MissOutcome, error) {
	if strings.TrimSpace(key) == "" {
		return MissOutcome{}, errors.New("miss key is required")
	}

	record := r.Tracker.RecordMiss(key)
	if !r.Tracker.ShouldForceAction(key) {
		return MissOutcome{Record: record}, nil
	}

	if strings.TrimSpace(payload.TargetKey) == "" {
		payload.TargetKey = key
	}
	outcome := MissOutcome{Record: record, Forced: true}

	job, err := r.Queue.Enqueue(ctx, core.NewJob{
		Payload:        payload,
		IdempotencyKey: ForceKey(key, record),
	})
	switch {
	case err == nil:
		outcome.Job = &job
		r.logger().Warn("Forcing corrective action",
			zap.String("key", key),
			zap.Int("misses", record.ConsecutiveMisses),
			zap.String("job_id", job.ID))
	case errors.Is(err, core.ErrDuplicateJob):
		outcome.Duplicate = true
	default:
		return outcome, fmt.Errorf("enqueue corrective job: %w", err)
	}

	r.Tracker.RecordSuccess(key)
	return outcome, nil
}

// ReportSuccess clears the miss streak for key.
func (r *Reconciler) ReportSuccess(key string) {
	r.Tracker.RecordSuccess(key)
}

func (r *Reconciler) logger() core.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return core.NopLogger()
}
