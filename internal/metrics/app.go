package metrics

import (
	"time"

	"github.com/relaygate/relaygate/internal/observability"
)

// Process-level metrics following Prometheus conventions
const (
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	_ = sys.Counter(HealthCheckTotal, 1, map[string]string{
		"check":  checkName,
		"status": status,
	})
	_ = sys.Histogram(HealthCheckDuration, duration, map[string]string{
		"check": checkName,
	})
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(start time.Time) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Gauge(ServerStartTime, float64(start.Unix()), nil)
	}
}

// SetServerUptime records the time elapsed since start.
func SetServerUptime(start time.Time) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Gauge(ServerUptime, time.Since(start).Seconds(), nil)
	}
}
