package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/engine"
	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/misses"
	"github.com/relaygate/relaygate/internal/core/pool"
	"github.com/relaygate/relaygate/internal/core/queue"
)

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"":         FormatTable,
		"table":    FormatTable,
		"JSON":     FormatJSON,
		"markdown": FormatMarkdown,
		"md":       FormatMarkdown,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("csv")
	require.Error(t, err)
}

func sampleJobs() []core.Job {
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return []core.Job{
		{
			ID:             "job-1",
			IdempotencyKey: "k1",
			Status:         core.JobCompleted,
			CreatedAt:      created,
			Payload:        core.JobPayload{TargetKey: "acct-1", Amount: decimal.RequireFromString("12.50")},
		},
		{
			ID:             "job-2",
			IdempotencyKey: "k2",
			Status:         core.JobFailed,
			RetryCount:     3,
			CreatedAt:      created,
			LastError:      strings.Repeat("upstream exploded ", 10),
			Payload:        core.JobPayload{TargetKey: "acct-2", Amount: decimal.RequireFromString("3")},
		},
	}
}

func TestFormatJobsTable(t *testing.T) {
	rendered, err := FormatJobs(FormatTable, sampleJobs())
	require.NoError(t, err)

	assert.Contains(t, rendered, "job-1")
	assert.Contains(t, rendered, "12.5")
	assert.Contains(t, rendered, "FAILED")
	assert.Contains(t, rendered, "2 jobs")
	assert.Contains(t, rendered, "...")
}

func TestFormatJobsJSON(t *testing.T) {
	rendered, err := FormatJobs(FormatJSON, nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", rendered)

	rendered, err = FormatJobs(FormatJSON, sampleJobs())
	require.NoError(t, err)
	var decoded []core.Job
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, core.JobFailed, decoded[1].Status)
}

func TestFormatJobsMarkdown(t *testing.T) {
	rendered, err := FormatJobs(FormatMarkdown, sampleJobs())
	require.NoError(t, err)
	assert.Contains(t, rendered, "| job-1 |")
}

func TestFormatQueueStats(t *testing.T) {
	stats := queue.Stats{
		Counts:    map[core.JobStatus]int{core.JobQueued: 4, core.JobCompleted: 9},
		Workers:   2,
		Running:   true,
		Accepting: true,
	}
	rendered, err := FormatQueueStats(FormatTable, stats)
	require.NoError(t, err)
	assert.Contains(t, rendered, "queued")
	assert.Contains(t, rendered, "9")
	assert.Contains(t, rendered, "yes")
}

func TestFormatStatus(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	status := engine.Status{
		GeneratedAt: now,
		Degraded:    true,
		Buckets:     []limiter.BucketStats{{Bucket: "rpc", Rate: 14, Capacity: 28, Tokens: 3}},
		Endpoints:   []pool.EndpointHealth{{URL: "https://a.example", State: pool.StateOpen, FailureCount: 5, SuccessRate: 0.5}},
		Queue:       queue.Stats{Counts: map[core.JobStatus]int{}},
		Misses:      []misses.Record{{Key: "acct-1", ConsecutiveMisses: 2, FirstMissTime: now, LastMissTime: now}},
	}

	rendered, err := FormatStatus(FormatTable, status)
	require.NoError(t, err)
	assert.Contains(t, rendered, "rpc")
	assert.Contains(t, rendered, "OPEN")
	assert.Contains(t, rendered, "DEGRADED")
	assert.Contains(t, rendered, "50.0%")
	assert.Contains(t, rendered, "acct-1")

	rendered, err = FormatStatus(FormatJSON, status)
	require.NoError(t, err)
	assert.Contains(t, rendered, `"degraded": true`)
}
