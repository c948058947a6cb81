package limiter

import (
	"math"
	"sync"
	"time"
)

// tokenEpsilon absorbs float rounding when a wait was computed to land exactly
// on one whole token.
const tokenEpsilon = 1e-9

// BucketConfig is the tunable part of a bucket.
type BucketConfig struct {
	Rate     float64 `json:"rate" mapstructure:"rate" yaml:"rate"`
	Capacity float64 `json:"capacity" mapstructure:"capacity" yaml:"capacity"`
}

// Validate checks that the bucket can ever grant a permit.
func (c BucketConfig) Validate() error {
	if c.Rate <= 0 || math.IsNaN(c.Rate) || math.IsInf(c.Rate, 0) {
		return ErrInvalidRate
	}
	if c.Capacity < 1 || math.IsNaN(c.Capacity) || math.IsInf(c.Capacity, 0) {
		return ErrInvalidCapacity
	}
	return nil
}

type bucket struct {
	mu sync.Mutex

	name       string
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time

	totalRequests  int64
	deniedRequests int64
	totalWait      time.Duration
	maxWait        time.Duration
}

func newBucket(name string, cfg BucketConfig, now time.Time) *bucket {
	return &bucket{
		name:       name,
		rate:       cfg.Rate,
		capacity:   cfg.Capacity,
		tokens:     cfg.Capacity,
		lastRefill: now,
	}
}

// refill must be called with mu held.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.rate)
		b.lastRefill = now
	}
}

// take refills and consumes one token when available. When it is not, the
// returned duration is how long until a whole token accrues.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens >= 1-tokenEpsilon {
		b.tokens = math.Max(0, b.tokens-1)
		return true, 0
	}

	missing := 1 - b.tokens
	wait := time.Duration(math.Ceil(missing / b.rate * float64(time.Second)))
	return false, wait
}

func (b *bucket) record(granted bool, waited time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	if !granted {
		b.deniedRequests++
	}
	b.totalWait += waited
	if waited > b.maxWait {
		b.maxWait = waited
	}
}

func (b *bucket) reconfigure(cfg BucketConfig, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.rate = cfg.Rate
	b.capacity = cfg.Capacity
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

func (b *bucket) snapshot(now time.Time) BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return BucketStats{
		Bucket:         b.name,
		Rate:           b.rate,
		Capacity:       b.capacity,
		Tokens:         b.tokens,
		TotalRequests:  b.totalRequests,
		DeniedRequests: b.deniedRequests,
		TotalWaitMs:    durationMs(b.totalWait),
		MaxWaitMs:      durationMs(b.maxWait),
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
