// Package misses counts consecutive "data unavailable" events per key inside
// a sliding window and signals when corrective action should be forced.
package misses

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/core"
)

const (
	DefaultWindow     = 5 * time.Minute
	DefaultMaxStrikes = 4
)

// Options configures a Tracker.
type Options struct {
	Window     time.Duration
	MaxStrikes int
	Clock      func() time.Time
	Logger     core.Logger
}

// Record is the miss history for one key.
type Record struct {
	Key               string    `json:"key"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
	FirstMissTime     time.Time `json:"first_miss_time"`
	LastMissTime      time.Time `json:"last_miss_time"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	opts Options

	mu      sync.Mutex
	records map[string]*Record
}

// New builds a tracker, applying defaults for unset options.
func New(opts Options) *Tracker {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxStrikes <= 0 {
		opts.MaxStrikes = DefaultMaxStrikes
	}
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}
	return &Tracker{opts: opts, records: make(map[string]*Record)}
}

// Window returns the effective window.
func (t *Tracker) Window() time.Duration { return t.opts.Window }

// MaxStrikes returns the effective strike threshold.
func (t *Tracker) MaxStrikes() int { return t.opts.MaxStrikes }

// RecordMiss counts a miss for key and returns the updated record. A miss
// outside the current window starts a new one.
func (t *Tracker) RecordMiss(key string) Record {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok || now.Sub(rec.FirstMissTime) > t.opts.Window {
		rec = &Record{Key: key, ConsecutiveMisses: 1, FirstMissTime: now, LastMissTime: now}
		t.records[key] = rec
		return *rec
	}
	rec.ConsecutiveMisses++
	rec.LastMissTime = now
	if rec.ConsecutiveMisses == t.opts.MaxStrikes {
		t.opts.Logger.Warn("Miss threshold reached",
			zap.String("key", key),
			zap.Int("misses", rec.ConsecutiveMisses),
			zap.Duration("window", t.opts.Window))
	}
	return *rec
}

// RecordSuccess clears any miss history for key.
func (t *Tracker) RecordSuccess(key string) {
	t.mu.Lock()
	delete(t.records, key)
	t.mu.Unlock()
}

// ShouldForceAction reports whether key accumulated MaxStrikes misses inside
// a single window that is still open.
func (t *Tracker) ShouldForceAction(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return false
	}
	return now.Sub(rec.FirstMissTime) <= t.opts.Window && rec.ConsecutiveMisses >= t.opts.MaxStrikes
}

// Get returns the record for key, if any.
func (t *Tracker) Get(key string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Cleanup evicts records idle for more than twice the window and returns
// how many were removed.
func (t *Tracker) Cleanup() int {
	now := t.now()
	stale := 2 * t.opts.Window

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, rec := range t.records {
		if now.Sub(rec.LastMissTime) > stale {
			delete(t.records, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns every record, sorted by key.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Run calls Cleanup every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = t.opts.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.Cleanup(); removed > 0 {
				t.opts.Logger.Debug("Evicted stale miss records", zap.Int("removed", removed))
			}
		}
	}
}

func (t *Tracker) now() time.Time {
	if t.opts.Clock != nil {
		return t.opts.Clock()
	}
	return time.Now()
}
