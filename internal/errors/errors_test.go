package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/pool"
	"github.com/relaygate/relaygate/internal/core/queue"
)

func TestRespondWithErrorClassifiesDomainErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"duplicate", &core.DuplicateJobError{IdempotencyKey: "k", ExistingID: "j1"}, CodeConflict, http.StatusConflict},
		{"wrapped duplicate", fmt.Errorf("enqueue: %w", core.ErrDuplicateJob), CodeConflict, http.StatusConflict},
		{"rate limited", core.ErrRateLimitDenied, CodeRateLimited, http.StatusTooManyRequests},
		{"job not found", core.ErrJobNotFound, CodeNotFound, http.StatusNotFound},
		{"unknown endpoint", fmt.Errorf("reset: %w", pool.ErrUnknownEndpoint), CodeNotFound, http.StatusNotFound},
		{"queue closed", core.ErrQueueClosed, CodeServiceUnavailable, http.StatusServiceUnavailable},
		{"invalid job", queue.ErrInvalidJob, CodeValidationFailed, http.StatusBadRequest},
		{"invalid rate", limiter.ErrInvalidRate, CodeValidationFailed, http.StatusBadRequest},
		{"persistence", core.Persistence("insert", stderrors.New("disk full")), CodeDatabase, http.StatusInternalServerError},
		{"deadline", context.DeadlineExceeded, CodeTimeout, http.StatusGatewayTimeout},
		{"store deadline", core.Persistence("drain", fmt.Errorf("count jobs: %w", context.DeadlineExceeded)), CodeTimeout, http.StatusGatewayTimeout},
		{"persistence wrapping deadline", &core.PersistenceError{Op: "stats", Err: context.DeadlineExceeded}, CodeTimeout, http.StatusGatewayTimeout},
		{"unknown", stderrors.New("boom"), CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/jobs", nil)
			rec := httptest.NewRecorder()

			RespondWithError(rec, req, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.RequestID)
		})
	}
}

func TestDuplicateDetails(t *testing.T) {
	env := FromError(context.Background(), &core.DuplicateJobError{IdempotencyKey: "key-1", ExistingID: "job-1"})
	require.NotNil(t, env)
	details := ResponseDetails(env)
	assert.Equal(t, "key-1", details["idempotency_key"])
	assert.Equal(t, "job-1", details["existing_id"])
}

func TestEnvelopePassThrough(t *testing.T) {
	original := NewUnauthorizedError("missing token")
	env := EnsureEnvelope(context.Background(), original)
	assert.Same(t, original, env)
	assert.Equal(t, http.StatusUnauthorized, HTTPStatusFromEnvelope(env))
}

func TestEnsureEnvelopeNil(t *testing.T) {
	env := EnsureEnvelope(context.Background(), nil)
	assert.Equal(t, CodeInternal, env.Code)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromEnvelope(nil))
}
