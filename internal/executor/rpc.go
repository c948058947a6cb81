// Package executor runs queued jobs as JSON-RPC calls against the endpoint
// pool, rate limited and circuit-broken through engine.Guard.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/engine"
	"github.com/relaygate/relaygate/internal/core/pool"
)

const (
	DefaultMethod    = "relay_execute"
	DefaultTimeout   = 10 * time.Second
	DefaultBucket    = "rpc"
	DefaultOperation = "execute"

	// maxResponseBytes caps how much of an endpoint reply is read.
	maxResponseBytes = 1 << 20
)

// Config selects the RPC method and the limiter bucket used per job.
type Config struct {
	Method    string
	Timeout   time.Duration
	Bucket    string
	Operation string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Method) == "" {
		c.Method = DefaultMethod
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(c.Bucket) == "" {
		c.Bucket = DefaultBucket
	}
	if strings.TrimSpace(c.Operation) == "" {
		c.Operation = DefaultOperation
	}
	return c
}

// RPCExecutor implements core.Executor over JSON-RPC 2.0.
type RPCExecutor struct {
	guard      *engine.Guard
	cfg        Config
	HTTPClient *http.Client
	Logger     core.Logger

	nextID atomic.Int64
}

// New returns an executor that sends every job through guard.
func New(guard *engine.Guard, cfg Config) *RPCExecutor {
	return &RPCExecutor{guard: guard, cfg: cfg.withDefaults()}
}

// Params is the JSON-RPC params object sent for a job.
type Params struct {
	JobID          string          `json:"job_id"`
	TargetKey      string          `json:"target_key"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempt        int             `json:"attempt"`
}

// Result is the JSON-RPC result expected back for a job.
type Result struct {
	ConfirmationID string           `json:"confirmation_id"`
	ActualAmount   *decimal.Decimal `json:"actual_amount,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Execute performs one attempt for job. Denied permits, transport failures
// and server-side errors are retryable; application errors are permanent
// unless they carry a JSON-RPC server error code.
func (e *RPCExecutor) Execute(ctx context.Context, job core.Job) core.ExecutionResult {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      e.nextID.Inc(),
		Method:  e.cfg.Method,
		Params: Params{
			JobID:          job.ID,
			TargetKey:      job.Payload.TargetKey,
			Amount:         job.Payload.Amount,
			Reason:         job.Payload.Reason,
			IdempotencyKey: job.IdempotencyKey,
			Attempt:        job.RetryCount + 1,
		},
	}

	var result Result
	sel, err := e.guard.Do(ctx, e.cfg.Bucket, e.cfg.Operation, func(ctx context.Context, endpoint pool.Endpoint) error {
		return e.call(ctx, endpoint, req, &result)
	})

	if err != nil {
		outcome := classify(err)
		e.logger().Debug("Job attempt failed",
			zap.String("job_id", job.ID),
			zap.String("endpoint", sel.Endpoint.URL),
			zap.Stringer("outcome", outcome.Outcome),
			zap.Error(err))
		return outcome
	}

	actual := job.Payload.Amount
	if result.ActualAmount != nil {
		actual = *result.ActualAmount
	}
	return core.Succeeded(result.ConfirmationID, actual)
}

func classify(err error) core.ExecutionResult {
	if errors.Is(err, core.ErrRateLimitDenied) {
		return core.RetryableFailure(err.Error())
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Retryable() {
			return core.RetryableFailure(rpcErr.Error())
		}
		return core.PermanentFailure(rpcErr.Error())
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Retryable() {
			return core.RetryableFailure(statusErr.Error())
		}
		return core.PermanentFailure(statusErr.Error())
	}

	var appErr *engine.ApplicationError
	if errors.As(err, &appErr) {
		return core.PermanentFailure(appErr.Error())
	}

	return core.RetryableFailure(err.Error())
}

// call sends req to endpoint and decodes the result into out. Errors the
// endpoint answered with are wrapped as engine application errors so the
// circuit stays closed.
func (e *RPCExecutor) call(ctx context.Context, endpoint pool.Endpoint, req rpcRequest, out *Result) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return engine.AsApplicationError(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		if statusErr.Retryable() {
			return statusErr
		}
		return engine.AsApplicationError(statusErr)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		if parsed.Error.Retryable() {
			return parsed.Error
		}
		return engine.AsApplicationError(parsed.Error)
	}
	if len(parsed.Result) == 0 || string(parsed.Result) == "null" {
		return engine.AsApplicationError(errors.New("response carries neither result nor error"))
	}
	if err := json.Unmarshal(parsed.Result, out); err != nil {
		return engine.AsApplicationError(fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func (e *RPCExecutor) logger() core.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return core.NopLogger()
}
