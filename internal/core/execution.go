package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Outcome tags an ExecutionResult.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ExecutionResult is what an Executor reports for one attempt.
type ExecutionResult struct {
	Outcome        Outcome
	ConfirmationID string
	ActualAmount   decimal.Decimal
	Message        string
}

// Succeeded builds a success result.
func Succeeded(confirmationID string, actualAmount decimal.Decimal) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeSuccess, ConfirmationID: confirmationID, ActualAmount: actualAmount}
}

// RetryableFailure builds a failure the queue should retry with backoff.
func RetryableFailure(message string) ExecutionResult {
	return ExecutionResult{Outcome: OutcomeRetryable, Message: message}
}

// PermanentFailure builds a failure that moves the job straight to FAILED.
func PermanentFailure(message string) ExecutionResult {
	return ExecutionResult{Outcome: OutcomePermanent, Message: message}
}

// Executor performs the real-world effect of a job. It is supplied by the
// embedding application and is expected to go through the rate limiter and
// endpoint pool itself.
type Executor interface {
	Execute(ctx context.Context, job Job) ExecutionResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job Job) ExecutionResult

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job Job) ExecutionResult {
	return f(ctx, job)
}
