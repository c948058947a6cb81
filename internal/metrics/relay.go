package metrics

import (
	"strconv"
	"time"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/engine"
	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/pool"
	"github.com/relaygate/relaygate/internal/observability"
)

// Rate limiter, endpoint pool and job queue metric names
const (
	RequestsTotal       = "requests_total"
	RequestsDeniedTotal = "requests_denied_total"
	RateLimitWait       = "rate_limit_wait_ms"

	EndpointSuccessRate    = "endpoint_success_rate"
	EndpointLatencyP95     = "endpoint_latency_p95_ms"
	EndpointCircuitState   = "endpoint_circuit_state"
	CircuitTransitionTotal = "circuit_transitions_total"

	JobsTotal          = "jobs_total"
	JobsByStatus       = "jobs_by_status"
	JobAttemptsTotal   = "job_attempts_total"
	JobAttemptDuration = "job_attempt_duration_ms"

	MissesTracked = "misses_tracked_keys"
)

// RecordDecision emits one limiter decision. It matches limiter.Options.Observer.
func RecordDecision(d limiter.Decision) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	tags := map[string]string{
		"bucket":    d.Bucket,
		"operation": d.Operation,
	}
	_ = sys.Counter(RequestsTotal, 1, tags)
	if !d.Granted {
		_ = sys.Counter(RequestsDeniedTotal, 1, tags)
	}
	if d.Waited > 0 {
		_ = sys.Histogram(RateLimitWait, d.Waited, tags)
	}
}

// RecordCircuitChange emits a breaker transition. It matches
// pool.Options.OnStateChange.
func RecordCircuitChange(endpoint pool.Endpoint, from, to pool.State) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	_ = sys.Counter(CircuitTransitionTotal, 1, map[string]string{
		"endpoint": endpoint.URL,
		"from":     from.String(),
		"to":       to.String(),
	})
	_ = sys.Gauge(EndpointCircuitState, float64(to), map[string]string{"endpoint": endpoint.URL})
}

// RecordJobTransition counts jobs entering a status. It matches
// queue.Options.OnTransition.
func RecordJobTransition(_ core.Job, _, to core.JobStatus) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(JobsTotal, 1, map[string]string{"status": string(to)})
	}
}

// RecordJobAttempt emits one executor call. It matches queue.Options.OnAttempt.
func RecordJobAttempt(_ core.Job, result core.ExecutionResult, elapsed time.Duration) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	tags := map[string]string{"outcome": result.Outcome.String()}
	_ = sys.Counter(JobAttemptsTotal, 1, tags)
	_ = sys.Histogram(JobAttemptDuration, elapsed, tags)
}

// RecordStatus samples the point-in-time gauges from a controller snapshot.
func RecordStatus(status engine.Status) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	for _, ep := range status.Endpoints {
		tags := map[string]string{
			"endpoint": ep.URL,
			"priority": strconv.Itoa(ep.Priority),
		}
		_ = sys.Gauge(EndpointSuccessRate, ep.SuccessRate, tags)
		_ = sys.Gauge(EndpointLatencyP95, ep.P95LatencyMs, tags)
		_ = sys.Gauge(EndpointCircuitState, float64(ep.State), map[string]string{"endpoint": ep.URL})
	}

	for jobStatus, count := range status.Queue.Counts {
		_ = sys.Gauge(JobsByStatus, float64(count), map[string]string{"status": string(jobStatus)})
	}

	_ = sys.Gauge(MissesTracked, float64(len(status.Misses)), nil)
}
