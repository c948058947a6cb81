package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func TestHealthHandlerHealthy(t *testing.T) {
	hm := NewHealthManager("1.2.3")
	hm.RegisterChecker("store", CheckFunc(ok))

	rec := httptest.NewRecorder()
	hm.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, StatusHealthy, resp.Checks["store"])
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	hm := NewHealthManager("dev")
	hm.RegisterChecker("store", CheckFunc(func(context.Context) error { return errors.New("disk gone") }))
	hm.RegisterChecker("queue", CheckFunc(ok))

	rec := httptest.NewRecorder()
	hm.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
	checks, isMap := resp.Error.Details["checks"].(map[string]any)
	require.True(t, isMap)
	assert.Equal(t, StatusUnhealthy, checks["store"])
	assert.Equal(t, StatusHealthy, checks["queue"])
}

func TestHealthHandlerDegraded(t *testing.T) {
	hm := NewHealthManager("dev")
	hm.RegisterChecker("endpoints", CheckFunc(func(context.Context) error { return ErrDegraded }))

	rec := httptest.NewRecorder()
	hm.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestRunChecksReportsTimeout(t *testing.T) {
	hm := NewHealthManager("dev")
	hm.RegisterChecker("slow", CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	checks := hm.RunChecks(ctx)
	assert.Equal(t, StatusTimeout, checks["slow"])
	assert.Equal(t, StatusDegraded, OverallStatus(checks))
}

func TestLivenessIgnoresChecks(t *testing.T) {
	hm := NewHealthManager("dev")
	hm.RegisterChecker("store", CheckFunc(func(context.Context) error { return errors.New("down") }))

	rec := httptest.NewRecorder()
	hm.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	hm.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartupProbe(t *testing.T) {
	hm := NewHealthManager("dev")

	rec := httptest.NewRecorder()
	hm.StartupHandler(rec, httptest.NewRequest(http.MethodGet, "/health/startup", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hm.MarkStarted()
	rec = httptest.NewRecorder()
	hm.StartupHandler(rec, httptest.NewRequest(http.MethodGet, "/health/startup", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
