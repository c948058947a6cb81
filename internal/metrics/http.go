package metrics

import (
	"strconv"
	"time"

	"github.com/relaygate/relaygate/internal/observability"
)

// HTTP metric names
const (
	HTTPRequestsTotal   = "http_requests_total"
	HTTPRequestDuration = "http_request_duration_ms"
	HTTPResponseSize    = "http_response_size_bytes"
	HTTPErrorsTotal     = "http_errors_total"
)

// RecordHTTPRequest emits the per-request counters for a served route.
// route must be a pattern, never a raw path.
func RecordHTTPRequest(method, route string, status int, elapsed time.Duration, responseBytes int64) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	tags := map[string]string{
		"method":   method,
		"endpoint": route,
		"status":   strconv.Itoa(status),
	}
	_ = sys.Counter(HTTPRequestsTotal, 1, tags)
	_ = sys.Histogram(HTTPRequestDuration, elapsed, tags)
	_ = sys.Gauge(HTTPResponseSize, float64(responseBytes), map[string]string{
		"method":   method,
		"endpoint": route,
	})

	if status >= 400 {
		class := "client_error"
		if status >= 500 {
			class = "server_error"
		}
		_ = sys.Counter(HTTPErrorsTotal, 1, map[string]string{
			"method":     method,
			"endpoint":   route,
			"status":     strconv.Itoa(status),
			"error_type": class,
		})
	}
}
