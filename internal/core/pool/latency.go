package pool

import (
	"math"
	"sort"
	"time"
)

// LatencyWindow is the number of samples kept per endpoint.
const LatencyWindow = 100

type latencyRing struct {
	samples [LatencyWindow]time.Duration
	n       int
	next    int
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % LatencyWindow
	if r.n < LatencyWindow {
		r.n++
	}
}

func (r *latencyRing) len() int { return r.n }

func (r *latencyRing) percentile(p float64) time.Duration {
	if r.n == 0 {
		return 0
	}
	sorted := make([]time.Duration, r.n)
	copy(sorted, r.samples[:r.n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(p*float64(r.n))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (r *latencyRing) reset() {
	*r = latencyRing{}
}
