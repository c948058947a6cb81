// Package limiter gates outbound call volume with independent, named token
// buckets.
package limiter

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaygate/relaygate/internal/core"
)

// DefaultMaxWait bounds how long Acquire blocks when Options.MaxWait is unset.
const DefaultMaxWait = 500 * time.Millisecond

const maxJitter = 10 * time.Millisecond

var (
	ErrInvalidRate     = errors.New("bucket rate must be positive")
	ErrInvalidCapacity = errors.New("bucket capacity must be at least 1")
)

// Decision describes one acquire outcome. It is handed to Options.Observer.
type Decision struct {
	Bucket    string
	Operation string
	Granted   bool
	Known     bool
	Waited    time.Duration
}

// Options configures a Limiter. Every function field has a production default.
type Options struct {
	MaxWait time.Duration
	Clock   func() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a random duration in [0, max).
	Jitter   func(max time.Duration) time.Duration
	Logger   core.Logger
	Observer func(Decision)
}

// Limiter holds a set of named token buckets. It is safe for concurrent use.
type Limiter struct {
	opts Options

	mu      sync.RWMutex
	buckets map[string]*bucket

	ops     sync.Map // opKey -> *opStats
	unknown sync.Map // bucket name -> *rate.Sometimes
}

// New builds a limiter from the given bucket configuration. Invalid buckets
// are rejected up front.
func New(buckets map[string]BucketConfig, opts Options) (*Limiter, error) {
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}

	l := &Limiter{opts: opts, buckets: make(map[string]*bucket, len(buckets))}
	now := l.now()
	for name, cfg := range buckets {
		if err := cfg.Validate(); err != nil {
			return nil, &BucketError{Bucket: name, Err: err}
		}
		l.buckets[name] = newBucket(name, cfg, now)
	}
	return l, nil
}

// BucketError ties a validation failure to a bucket name.
type BucketError struct {
	Bucket string
	Err    error
}

func (e *BucketError) Error() string {
	return "bucket " + e.Bucket + ": " + e.Err.Error()
}

func (e *BucketError) Unwrap() error { return e.Err }

// Acquire takes one permit from the named bucket, waiting up to MaxWait for
// one to accrue. Unknown buckets are unlimited.
func (l *Limiter) Acquire(ctx context.Context, name, op string) bool {
	b := l.lookup(name)
	if b == nil {
		l.grantUnknown(name, op)
		return true
	}

	granted, wait := b.take(l.now())
	if granted {
		l.finish(b, op, true, 0)
		return true
	}
	if wait > l.opts.MaxWait {
		l.finish(b, op, false, 0)
		return false
	}

	pause := wait + l.jitter(min(wait/4, maxJitter))
	if err := l.sleep(ctx, pause); err != nil {
		l.finish(b, op, false, 0)
		return false
	}

	granted, _ = b.take(l.now())
	l.finish(b, op, granted, pause)
	return granted
}

// TryAcquire takes one permit if one is available right now.
func (l *Limiter) TryAcquire(name, op string) bool {
	b := l.lookup(name)
	if b == nil {
		l.grantUnknown(name, op)
		return true
	}

	granted, _ := b.take(l.now())
	l.finish(b, op, granted, 0)
	return granted
}

// UpdateBucket changes a bucket's rate and capacity in place, creating the
// bucket when it does not exist yet. Current tokens are clamped to the new
// capacity.
func (l *Limiter) UpdateBucket(name string, cfg BucketConfig) error {
	if err := cfg.Validate(); err != nil {
		return &BucketError{Bucket: name, Err: err}
	}

	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[name]
	if !ok {
		l.buckets[name] = newBucket(name, cfg, now)
	}
	l.mu.Unlock()

	if ok {
		b.reconfigure(cfg, now)
	}
	l.opts.Logger.Info("Rate limit bucket updated",
		zap.String("bucket", name),
		zap.Float64("rate", cfg.Rate),
		zap.Float64("capacity", cfg.Capacity),
		zap.Bool("created", !ok))
	return nil
}

// Buckets returns the configured bucket names in sorted order.
func (l *Limiter) Buckets() []string {
	l.mu.RLock()
	names := make([]string, 0, len(l.buckets))
	for name := range l.buckets {
		names = append(names, name)
	}
	l.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Config returns the current configuration of a bucket.
func (l *Limiter) Config(name string) (BucketConfig, bool) {
	b := l.lookup(name)
	if b == nil {
		return BucketConfig{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketConfig{Rate: b.rate, Capacity: b.capacity}, true
}

// MaxWait reports the effective maximum blocking time of Acquire.
func (l *Limiter) MaxWait() time.Duration {
	return l.opts.MaxWait
}

func (l *Limiter) lookup(name string) *bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[name]
}

func (l *Limiter) grantUnknown(name, op string) {
	s, _ := l.unknown.LoadOrStore(name, &rate.Sometimes{First: 1, Interval: 30 * time.Second})
	s.(*rate.Sometimes).Do(func() {
		l.opts.Logger.Warn("Unknown rate limit bucket, allowing request",
			zap.String("bucket", name),
			zap.String("operation", op))
	})
	l.observe(Decision{Bucket: name, Operation: op, Granted: true})
}

func (l *Limiter) finish(b *bucket, op string, granted bool, waited time.Duration) {
	b.record(granted, waited)

	key := opKey{bucket: b.name, operation: op}
	stats, ok := l.ops.Load(key)
	if !ok {
		stats, _ = l.ops.LoadOrStore(key, &opStats{})
	}
	stats.(*opStats).observe(granted, waited)

	if !granted {
		l.opts.Logger.Debug("Rate limit denied",
			zap.String("bucket", b.name),
			zap.String("operation", op),
			zap.Duration("waited", waited))
	}
	l.observe(Decision{Bucket: b.name, Operation: op, Granted: granted, Known: true, Waited: waited})
}

func (l *Limiter) observe(d Decision) {
	if l.opts.Observer != nil {
		l.opts.Observer(d)
	}
}

func (l *Limiter) now() time.Time {
	if l.opts.Clock != nil {
		return l.opts.Clock()
	}
	return time.Now()
}

func (l *Limiter) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if l.opts.Jitter != nil {
		return l.opts.Jitter(max)
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func (l *Limiter) sleep(ctx context.Context, d time.Duration) error {
	if l.opts.Sleep != nil {
		return l.opts.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
