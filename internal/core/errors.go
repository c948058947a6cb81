package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRateLimitDenied is returned by guarded calls when no permit was granted.
	ErrRateLimitDenied = errors.New("rate limit denied")

	// ErrEndpointDegraded marks a call that ran against an emergency endpoint
	// because every circuit was open.
	ErrEndpointDegraded = errors.New("all endpoint circuits open")

	// ErrDuplicateJob is matched by DuplicateJobError.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrInvalidTransition is returned when a job is not in the expected state.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueClosed is returned by Enqueue once the queue stopped accepting work.
	ErrQueueClosed = errors.New("queue is closed")
)

// DuplicateJobError reports an enqueue rejected because its idempotency key
// is already taken. The existing job is authoritative.
type DuplicateJobError struct {
	IdempotencyKey string
	ExistingID     string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job for idempotency key %q (existing job %s)", e.IdempotencyKey, e.ExistingID)
}

// Is lets errors.Is(err, ErrDuplicateJob) match.
func (e *DuplicateJobError) Is(target error) bool {
	return target == ErrDuplicateJob
}

// PersistenceError wraps a durable-store failure. It is fatal to the queue
// worker that hit it and must reach process supervision.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError unless it already is one or is nil.
// Cancellation and deadline errors are not store outages and keep their
// identity.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var existing *PersistenceError
	if errors.As(err, &existing) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
