package cmd

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/core/pool"
	"github.com/relaygate/relaygate/internal/server"
)

func newStatusServer(t *testing.T, token string) (*app, *httptest.Server) {
	t.Helper()
	a := newTestApp(t, testConfig())
	srv := server.New(server.Options{Admin: a.controller, AdminToken: token, DrainTimeout: time.Second})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return a, ts
}

func TestFetchStatus(t *testing.T) {
	a, ts := newStatusServer(t, "tok")
	a.tracker.RecordMiss("acct-1")
	a.pool.RecordFailure("https://primary.example", assert.AnError)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := fetchStatus(ctx, ts.Client(), ts.URL+"/", "tok")
	require.NoError(t, err)

	require.Len(t, status.Buckets, 1)
	assert.Equal(t, "rpc", status.Buckets[0].Bucket)
	require.Len(t, status.Endpoints, 2)
	assert.Equal(t, pool.StateOpen, status.Endpoints[0].State)
	assert.Equal(t, pool.StateClosed, status.Endpoints[1].State)
	assert.False(t, status.Degraded)
	require.Len(t, status.Misses, 1)
	assert.Equal(t, "acct-1", status.Misses[0].Key)
}

func TestFetchStatusReportsAPIErrors(t *testing.T) {
	_, ts := newStatusServer(t, "tok")

	_, err := fetchStatus(context.Background(), ts.Client(), ts.URL, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNAUTHORIZED")
	assert.Contains(t, err.Error(), "401")
}
