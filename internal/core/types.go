package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus identifies where a job sits in the durable queue state machine.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobRetrying   JobStatus = "RETRYING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// AllJobStatuses lists every status in state machine order.
var AllJobStatuses = []JobStatus{JobQueued, JobProcessing, JobRetrying, JobCompleted, JobFailed}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range AllJobStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
//
// PROCESSING -> PROCESSING is the crash-recovery path: a job found in
// PROCESSING at startup is executed again as if it had never started.
// Nothing ever moves back to QUEUED.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobProcessing
	case JobProcessing:
		return next == JobProcessing || next == JobCompleted || next == JobRetrying || next == JobFailed
	case JobRetrying:
		return next == JobProcessing
	default:
		return false
	}
}

// JobPayload is the domain data carried by a job. The queue never
// interprets it beyond persisting it and handing it to the executor.
type JobPayload struct {
	TargetKey string          `json:"target_key"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

// NewJob is the caller-supplied part of a job.
type NewJob struct {
	Payload        JobPayload `json:"payload"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// Job is a durable unit of work.
type Job struct {
	ID             string           `json:"id"`
	Payload        JobPayload       `json:"payload"`
	IdempotencyKey string           `json:"idempotency_key"`
	Status         JobStatus        `json:"status"`
	RetryCount     int              `json:"retry_count"`
	CreatedAt      time.Time        `json:"created_at"`
	ProcessedAt    *time.Time       `json:"processed_at,omitempty"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	ConfirmationID string           `json:"confirmation_id,omitempty"`
	ActualAmount   *decimal.Decimal `json:"actual_amount,omitempty"`
}

// DueAt returns the time the job becomes eligible for a worker.
func (j Job) DueAt() time.Time {
	if j.Status == JobRetrying && j.NextRetryAt != nil {
		return *j.NextRetryAt
	}
	return j.CreatedAt
}
