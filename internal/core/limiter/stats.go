package limiter

import (
	"sort"
	"time"

	"go.uber.org/atomic"
)

// WaitBuckets are the upper bounds of the wait-time histogram. Anything above
// the last bound lands in the +Inf bucket.
var WaitBuckets = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
}

// BucketStats is a point-in-time view of one bucket.
type BucketStats struct {
	Bucket         string           `json:"bucket"`
	Rate           float64          `json:"rate"`
	Capacity       float64          `json:"capacity"`
	Tokens         float64          `json:"tokens"`
	TotalRequests  int64            `json:"total_requests"`
	DeniedRequests int64            `json:"denied_requests"`
	TotalWaitMs    float64          `json:"total_wait_ms"`
	MaxWaitMs      float64          `json:"max_wait_ms"`
	Operations     []OperationStats `json:"operations,omitempty"`
}

// OperationStats breaks a bucket's traffic down by caller operation.
type OperationStats struct {
	Operation string            `json:"operation"`
	Requests  int64             `json:"requests_total"`
	Denied    int64             `json:"requests_denied_total"`
	Waits     []HistogramBucket `json:"wait_histogram"`
}

// HistogramBucket is a cumulative-free count of waits no longer than LE.
type HistogramBucket struct {
	LE    string `json:"le"`
	Count int64  `json:"count"`
}

type opKey struct {
	bucket    string
	operation string
}

type opStats struct {
	requests atomic.Int64
	denied   atomic.Int64
	waits    [6]atomic.Int64
}

func (s *opStats) observe(granted bool, waited time.Duration) {
	s.requests.Inc()
	if !granted {
		s.denied.Inc()
	}
	if waited <= 0 {
		return
	}
	idx := len(WaitBuckets)
	for i, bound := range WaitBuckets {
		if waited <= bound {
			idx = i
			break
		}
	}
	s.waits[idx].Inc()
}

func (s *opStats) snapshot(operation string) OperationStats {
	out := OperationStats{
		Operation: operation,
		Requests:  s.requests.Load(),
		Denied:    s.denied.Load(),
		Waits:     make([]HistogramBucket, 0, len(WaitBuckets)+1),
	}
	for i, bound := range WaitBuckets {
		out.Waits = append(out.Waits, HistogramBucket{LE: bound.String(), Count: s.waits[i].Load()})
	}
	out.Waits = append(out.Waits, HistogramBucket{LE: "+Inf", Count: s.waits[len(WaitBuckets)].Load()})
	return out
}

// Stats returns a snapshot of every configured bucket, sorted by name.
func (l *Limiter) Stats() []BucketStats {
	now := l.now()

	l.mu.RLock()
	buckets := make([]*bucket, 0, len(l.buckets))
	for _, b := range l.buckets {
		buckets = append(buckets, b)
	}
	l.mu.RUnlock()

	ops := make(map[string][]OperationStats)
	l.ops.Range(func(key, value any) bool {
		k := key.(opKey)
		ops[k.bucket] = append(ops[k.bucket], value.(*opStats).snapshot(k.operation))
		return true
	})

	out := make([]BucketStats, 0, len(buckets))
	for _, b := range buckets {
		snap := b.snapshot(now)
		snap.Operations = ops[snap.Bucket]
		sort.Slice(snap.Operations, func(i, j int) bool {
			return snap.Operations[i].Operation < snap.Operations[j].Operation
		})
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
