// Package pool selects healthy upstream endpoints and trips a circuit breaker
// per endpoint on repeated failures.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaygate/relaygate/internal/core"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 30 * time.Second
)

var (
	ErrNoEndpoints      = errors.New("pool requires at least one endpoint")
	ErrUnknownEndpoint  = errors.New("unknown endpoint")
	ErrDuplicateAddress = errors.New("duplicate endpoint url")
)

// Endpoint identifies one interchangeable upstream.
type Endpoint struct {
	URL string `json:"url" mapstructure:"url" yaml:"url"`
	// Priority orders endpoints; lower numbers are preferred.
	Priority int `json:"priority" mapstructure:"priority" yaml:"priority"`
	// MaxConnections is informational and reported in health snapshots.
	MaxConnections int `json:"max_connections" mapstructure:"max_connections" yaml:"max_connections"`
}

// Options tunes the breaker.
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long a circuit stays OPEN before a probe is allowed. It
	// also bounds how long a probe may stay unreported before another one is
	// handed out.
	Timeout       time.Duration
	Clock         func() time.Time
	Logger        core.Logger
	OnStateChange func(endpoint Endpoint, from, to State)
}

// Selection is the result of HealthyEndpoint.
type Selection struct {
	Endpoint Endpoint
	State    State
	// Probe is set when this call is the single half-open trial request.
	Probe bool
	// Degraded is set when every circuit is open and the endpoint was handed
	// out anyway.
	Degraded bool
}

type transition struct {
	endpoint Endpoint
	from, to State
}

type record struct {
	mu sync.Mutex

	endpoint     Endpoint
	state        State
	failureCount int
	successCount int
	probing      bool
	probeStarted time.Time

	totalSuccesses  int64
	totalFailures   int64
	latency         latencyRing
	lastSuccess     time.Time
	lastFailure     time.Time
	lastError       string
	circuitOpenTime time.Time
}

// Pool tracks the health of a fixed set of endpoints. It is safe for
// concurrent use.
type Pool struct {
	opts    Options
	records []*record
	byURL   map[string]*record
	rr      atomic.Uint64

	emergencyLog rate.Sometimes
}

// New builds a pool with every endpoint CLOSED.
func New(endpoints []Endpoint, opts Options) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultSuccessThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}

	p := &Pool{
		opts:         opts,
		records:      make([]*record, 0, len(endpoints)),
		byURL:        make(map[string]*record, len(endpoints)),
		emergencyLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, ep := range endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("endpoint url is required")
		}
		if _, dup := p.byURL[ep.URL]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAddress, ep.URL)
		}
		rec := &record{endpoint: ep}
		p.records = append(p.records, rec)
		p.byURL[ep.URL] = rec
	}
	sort.SliceStable(p.records, func(i, j int) bool {
		return p.records[i].endpoint.Priority < p.records[j].endpoint.Priority
	})
	return p, nil
}

// Endpoints lists the configured endpoints ordered by priority.
func (p *Pool) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec.endpoint)
	}
	return out
}

// HealthyEndpoint picks an endpoint for the next call. It never fails: when
// nothing is healthy it returns a degraded selection.
func (p *Pool) HealthyEndpoint() Selection {
	if closed := p.closedGroup(); len(closed) > 0 {
		idx := p.rr.Inc() - 1
		return Selection{Endpoint: closed[idx%uint64(len(closed))], State: StateClosed}
	}

	now := p.now()
	for _, rec := range p.records {
		sel, change, ok := rec.claimProbe(now, p.opts.Timeout)
		if !ok {
			continue
		}
		p.notify(change)
		p.opts.Logger.Info("Circuit half-open, probing endpoint",
			zap.String("endpoint", sel.Endpoint.URL))
		return sel
	}

	rec := p.records[0]
	rec.mu.Lock()
	sel := Selection{Endpoint: rec.endpoint, State: rec.state, Degraded: true}
	rec.mu.Unlock()

	p.emergencyLog.Do(func() {
		p.opts.Logger.Error("All endpoint circuits open, using emergency endpoint",
			zap.String("endpoint", sel.Endpoint.URL),
			zap.Error(core.ErrEndpointDegraded))
	})
	return sel
}

// closedGroup returns the CLOSED endpoints sharing the best priority.
func (p *Pool) closedGroup() []Endpoint {
	var group []Endpoint
	for _, rec := range p.records {
		if len(group) > 0 && rec.endpoint.Priority != group[0].Priority {
			break
		}
		rec.mu.Lock()
		closed := rec.state == StateClosed
		rec.mu.Unlock()
		if closed {
			group = append(group, rec.endpoint)
		}
	}
	return group
}

func (r *record) claimProbe(now time.Time, timeout time.Duration) (Selection, *transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateOpen:
		if now.Sub(r.circuitOpenTime) < timeout {
			return Selection{}, nil, false
		}
		change := &transition{endpoint: r.endpoint, from: StateOpen, to: StateHalfOpen}
		r.state = StateHalfOpen
		r.successCount = 0
		r.probing = true
		r.probeStarted = now
		return Selection{Endpoint: r.endpoint, State: StateHalfOpen, Probe: true}, change, true
	case StateHalfOpen:
		if r.probing && now.Sub(r.probeStarted) < timeout {
			return Selection{}, nil, false
		}
		r.probing = true
		r.probeStarted = now
		return Selection{Endpoint: r.endpoint, State: StateHalfOpen, Probe: true}, nil, true
	default:
		return Selection{}, nil, false
	}
}

// RecordSuccess reports a successful call and its latency.
func (p *Pool) RecordSuccess(url string, latency time.Duration) {
	rec, ok := p.byURL[url]
	if !ok {
		p.opts.Logger.Debug("Success reported for unknown endpoint", zap.String("endpoint", url))
		return
	}

	rec.mu.Lock()
	rec.totalSuccesses++
	rec.lastSuccess = p.now()
	if latency >= 0 {
		rec.latency.add(latency)
	}

	var change *transition
	switch rec.state {
	case StateClosed:
		rec.failureCount = 0
	case StateHalfOpen:
		rec.successCount++
		rec.probing = false
		if rec.successCount >= p.opts.SuccessThreshold {
			change = &transition{endpoint: rec.endpoint, from: StateHalfOpen, to: StateClosed}
			rec.state = StateClosed
			rec.failureCount = 0
			rec.successCount = 0
			rec.circuitOpenTime = time.Time{}
		}
	}
	rec.mu.Unlock()

	p.notify(change)
}

// RecordFailure reports a failed call.
func (p *Pool) RecordFailure(url string, err error) {
	rec, ok := p.byURL[url]
	if !ok {
		p.opts.Logger.Debug("Failure reported for unknown endpoint", zap.String("endpoint", url))
		return
	}

	now := p.now()
	rec.mu.Lock()
	rec.totalFailures++
	rec.lastFailure = now
	if err != nil {
		rec.lastError = err.Error()
	}

	var change *transition
	switch rec.state {
	case StateClosed:
		rec.failureCount++
		if rec.failureCount >= p.opts.FailureThreshold {
			change = &transition{endpoint: rec.endpoint, from: StateClosed, to: StateOpen}
			rec.state = StateOpen
			rec.circuitOpenTime = now
		}
	case StateHalfOpen:
		change = &transition{endpoint: rec.endpoint, from: StateHalfOpen, to: StateOpen}
		rec.state = StateOpen
		rec.successCount = 0
		rec.probing = false
		rec.circuitOpenTime = now
	case StateOpen:
		rec.failureCount++
	}
	rec.mu.Unlock()

	p.notify(change)
}

// ResetCircuit forces an endpoint back to CLOSED and clears its counters.
func (p *Pool) ResetCircuit(url string) error {
	rec, ok := p.byURL[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, url)
	}

	rec.mu.Lock()
	from := rec.state
	endpoint := rec.endpoint
	rec.reset()
	rec.mu.Unlock()

	p.opts.Logger.Info("Circuit reset", zap.String("endpoint", url), zap.String("from", from.String()))
	if from != StateClosed {
		p.notify(&transition{endpoint: endpoint, from: from, to: StateClosed})
	}
	return nil
}

// reset must be called with mu held.
func (r *record) reset() {
	r.state = StateClosed
	r.failureCount = 0
	r.successCount = 0
	r.probing = false
	r.probeStarted = time.Time{}
	r.totalSuccesses = 0
	r.totalFailures = 0
	r.latency.reset()
	r.lastSuccess = time.Time{}
	r.lastFailure = time.Time{}
	r.lastError = ""
	r.circuitOpenTime = time.Time{}
}

func (p *Pool) notify(change *transition) {
	if change == nil {
		return
	}
	level := p.opts.Logger.Info
	if change.to == StateOpen {
		level = p.opts.Logger.Warn
	}
	level("Circuit state changed",
		zap.String("endpoint", change.endpoint.URL),
		zap.String("from", change.from.String()),
		zap.String("to", change.to.String()))
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(change.endpoint, change.from, change.to)
	}
}

func (p *Pool) now() time.Time {
	if p.opts.Clock != nil {
		return p.opts.Clock()
	}
	return time.Now()
}
