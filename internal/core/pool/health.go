package pool

import "time"

// EndpointHealth is a point-in-time view of one endpoint record.
type EndpointHealth struct {
	URL             string     `json:"url"`
	Priority        int        `json:"priority"`
	MaxConnections  int        `json:"max_connections"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	TotalSuccesses  int64      `json:"total_successes"`
	TotalFailures   int64      `json:"total_failures"`
	SuccessRate     float64    `json:"success_rate"`
	P95LatencyMs    float64    `json:"p95_latency_ms"`
	LatencySamples  int        `json:"latency_samples"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	CircuitOpenedAt *time.Time `json:"circuit_opened_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// HealthStatus returns one snapshot per endpoint in priority order.
// Endpoints with no recorded calls report a success rate of 1.
func (p *Pool) HealthStatus() []EndpointHealth {
	out := make([]EndpointHealth, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec.snapshot())
	}
	return out
}

func (r *record) snapshot() EndpointHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := EndpointHealth{
		URL:            r.endpoint.URL,
		Priority:       r.endpoint.Priority,
		MaxConnections: r.endpoint.MaxConnections,
		State:          r.state,
		FailureCount:   r.failureCount,
		SuccessCount:   r.successCount,
		TotalSuccesses: r.totalSuccesses,
		TotalFailures:  r.totalFailures,
		SuccessRate:    1,
		P95LatencyMs:   float64(r.latency.percentile(0.95)) / float64(time.Millisecond),
		LatencySamples: r.latency.len(),
		LastSuccess:    timePtr(r.lastSuccess),
		LastFailure:    timePtr(r.lastFailure),
		LastError:      r.lastError,
	}
	if total := r.totalSuccesses + r.totalFailures; total > 0 {
		h.SuccessRate = float64(r.totalSuccesses) / float64(total)
	}
	if r.state != StateClosed {
		h.CircuitOpenedAt = timePtr(r.circuitOpenTime)
	}
	return h
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
