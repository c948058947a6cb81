// Package output renders jobs, queue stats and status snapshots for the CLI.
package output

import (
	"fmt"
	"strings"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/engine"
	"github.com/relaygate/relaygate/internal/core/queue"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// FormatJobs renders a job history listing.
func FormatJobs(format Format, jobs []core.Job) (string, error) {
	if format == FormatJSON {
		if jobs == nil {
			jobs = []core.Job{}
		}
		return marshalJSON(jobs)
	}
	return render(format, jobsTable(jobs)), nil
}

// FormatQueueStats renders the queue snapshot.
func FormatQueueStats(format Format, stats queue.Stats) (string, error) {
	if format == FormatJSON {
		return marshalJSON(stats)
	}
	return render(format, queueTable(stats)), nil
}

// FormatStatus renders every section of a controller status report.
func FormatStatus(format Format, status engine.Status) (string, error) {
	if format == FormatJSON {
		return marshalJSON(status)
	}

	sections := []string{
		render(format, bucketsTable(status.Buckets)),
		render(format, endpointsTable(status.Endpoints, status.Degraded)),
		render(format, queueTable(status.Queue)),
	}
	if len(status.Misses) > 0 {
		sections = append(sections, render(format, missesTable(status.Misses)))
	}
	return strings.Join(sections, "\n\n"), nil
}
