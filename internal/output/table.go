package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/limiter"
	"github.com/relaygate/relaygate/internal/core/misses"
	"github.com/relaygate/relaygate/internal/core/pool"
	"github.com/relaygate/relaygate/internal/core/queue"
)

// maxErrorWidth truncates last_error cells in tables.
const maxErrorWidth = 48

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func render(format Format, t table.Writer) string {
	if format == FormatMarkdown {
		return t.RenderMarkdown()
	}
	return t.Render()
}

func jobsTable(jobs []core.Job) table.Writer {
	t := newTable("Jobs")
	t.AppendHeader(table.Row{"ID", "Target", "Amount", "Status", "Retries", "Created", "Last Error"})
	for _, job := range jobs {
		t.AppendRow(table.Row{
			job.ID,
			job.Payload.TargetKey,
			job.Payload.Amount.String(),
			string(job.Status),
			job.RetryCount,
			job.CreatedAt.UTC().Format(time.RFC3339),
			truncate(job.LastError, maxErrorWidth),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", fmt.Sprintf("%d jobs", len(jobs))})
	return t
}

func queueTable(stats queue.Stats) table.Writer {
	t := newTable("Queue")
	t.AppendHeader(table.Row{"Metric", "Value"})
	for _, status := range core.AllJobStatuses {
		t.AppendRow(table.Row{strings.ToLower(string(status)), stats.Counts[status]})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"workers", stats.Workers},
		{"in flight", len(stats.InFlight)},
		{"attempts", stats.Attempts},
		{"completed (process)", stats.Completed},
		{"retried (process)", stats.Retried},
		{"failed (process)", stats.Failed},
		{"running", yesNo(stats.Running)},
		{"accepting", yesNo(stats.Accepting)},
	})
	return t
}

func bucketsTable(buckets []limiter.BucketStats) table.Writer {
	t := newTable("Rate limit buckets")
	t.AppendHeader(table.Row{"Bucket", "Rate/s", "Capacity", "Tokens", "Requests", "Denied", "Max Wait ms"})
	for _, b := range buckets {
		t.AppendRow(table.Row{
			b.Bucket,
			fmt.Sprintf("%.2f", b.Rate),
			fmt.Sprintf("%.0f", b.Capacity),
			fmt.Sprintf("%.2f", b.Tokens),
			b.TotalRequests,
			b.DeniedRequests,
			fmt.Sprintf("%.1f", b.MaxWaitMs),
		})
	}
	return t
}

func endpointsTable(endpoints []pool.EndpointHealth, degraded bool) table.Writer {
	title := "Endpoints"
	if degraded {
		title += " (DEGRADED)"
	}
	t := newTable(title)
	t.AppendHeader(table.Row{"URL", "Priority", "State", "Failures", "Success Rate", "P95 ms"})
	for _, ep := range endpoints {
		t.AppendRow(table.Row{
			ep.URL,
			ep.Priority,
			ep.State.String(),
			ep.FailureCount,
			fmt.Sprintf("%.1f%%", ep.SuccessRate*100),
			fmt.Sprintf("%.1f", ep.P95LatencyMs),
		})
	}
	return t
}

func missesTable(records []misses.Record) table.Writer {
	sorted := append([]misses.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ConsecutiveMisses > sorted[j].ConsecutiveMisses
	})

	t := newTable("Misses")
	t.AppendHeader(table.Row{"Key", "Misses", "First", "Last"})
	for _, r := range sorted {
		t.AppendRow(table.Row{
			r.Key,
			r.ConsecutiveMisses,
			r.FirstMissTime.UTC().Format(time.RFC3339),
			r.LastMissTime.UTC().Format(time.RFC3339),
		})
	}
	return t
}

func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
