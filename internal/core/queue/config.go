package queue

import (
	"io"
	"math"
	"time"

	"github.com/relaygate/relaygate/internal/core"
)

const (
	DefaultWorkers        = 1
	DefaultMaxRetries     = 3
	DefaultBaseRetryDelay = time.Second
	DefaultMaxRetryDelay  = 5 * time.Minute
	DefaultPollInterval   = time.Second
	DefaultNotifyBuffer   = 64

	// MaxRetryJitter bounds the random delay added to every retry.
	MaxRetryJitter = time.Second
)

// Config holds the queue tuning knobs.
type Config struct {
	Workers        int
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	PollInterval   time.Duration
	// JobSpacing is the pause after each processed job, success or not.
	JobSpacing   time.Duration
	NotifyBuffer int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		c.MaxRetryDelay = c.BaseRetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JobSpacing < 0 {
		c.JobSpacing = 0
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = DefaultNotifyBuffer
	}
	return c
}

// Options carries collaborators. All fields are optional.
type Options struct {
	Logger core.Logger
	Clock  func() time.Time
	// Jitter returns a random duration in [0, max).
	Jitter func(max time.Duration) time.Duration
	NewID  func() string
	// Closer is closed by Stop once every worker has exited.
	Closer io.Closer

	OnTransition func(job core.Job, from, to core.JobStatus)
	OnAttempt    func(job core.Job, result core.ExecutionResult, elapsed time.Duration)
}

// Backoff returns the deterministic part of the delay before retry number
// retryCount+1: base * 2^retryCount, capped at max.
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(base) * math.Pow(2, float64(retryCount))
	if delay >= float64(max) || math.IsInf(delay, 1) {
		return max
	}
	return time.Duration(delay)
}
