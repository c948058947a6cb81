// Package engine composes the limiter, endpoint pool, miss tracker and queue
// into the call paths the rest of the system uses.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/pool"
)

// CallFunc performs one upstream call against endpoint.
type CallFunc func(ctx context.Context, endpoint pool.Endpoint) error

// ApplicationError wraps an error the endpoint answered with. The endpoint
// itself is healthy, so it counts as a success for circuit tracking.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string { return e.Err.Error() }

func (e *ApplicationError) Unwrap() error { return e.Err }

// AsApplicationError marks err as an application-level failure.
func AsApplicationError(err error) error {
	if err == nil {
		return nil
	}
	return &ApplicationError{Err: err}
}

// Guard runs upstream calls through the rate limiter and the endpoint pool.
type Guard struct {
	Limiter *limiter.Limiter
	Pool    *pool.Pool
	Clock   func() time.Time
	Logger  core.Logger
}

// Do acquires a permit from bucket, picks an endpoint and runs fn against
// it, reporting the outcome back to the pool. A denied permit returns
// core.ErrRateLimitDenied without calling fn.
func (g *Guard) Do(ctx context.Context, bucket, op string, fn CallFunc) (pool.Selection, error) {
	if g == nil || g.Limiter == nil || g.Pool == nil {
		return pool.Selection{}, errors.New("guard is not initialized")
	}

	if !g.Limiter.Acquire(ctx, bucket, op) {
		return pool.Selection{}, core.ErrRateLimitDenied
	}

	sel := g.Pool.HealthyEndpoint()
	if sel.Degraded {
		g.logger().Warn("Calling degraded endpoint",
			zap.String("endpoint", sel.Endpoint.URL),
			zap.String("operation", op))
	}

	started := g.now()
	err := fn(ctx, sel.Endpoint)
	elapsed := g.now().Sub(started)

	var appErr *ApplicationError
	switch {
	case err == nil:
		g.Pool.RecordSuccess(sel.Endpoint.URL, elapsed)
	case errors.As(err, &appErr):
		g.Pool.RecordSuccess(sel.Endpoint.URL, elapsed)
	case errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled):
		// The caller gave up; that says nothing about the endpoint.
	default:
		g.Pool.RecordFailure(sel.Endpoint.URL, err)
	}
	return sel, err
}

func (g *Guard) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

func (g *Guard) logger() core.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return core.NopLogger()
}
