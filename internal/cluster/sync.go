// Package cluster fans bucket configuration changes out to every relaygate
// instance sharing a Redis server.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/core/limiter"
)

const defaultTimeout = 2 * time.Second

// BucketApplier receives bucket changes made elsewhere. *limiter.Limiter
// satisfies it.
type BucketApplier interface {
	UpdateBucket(name string, cfg limiter.BucketConfig) error
}

// BucketUpdate is the message published for every bucket change.
type BucketUpdate struct {
	Origin string               `json:"origin"`
	Name   string               `json:"name"`
	Config limiter.BucketConfig `json:"config"`
	At     int64                `json:"at"`
}

// Sync publishes local bucket changes and applies foreign ones. The latest
// config per bucket is also kept in a hash so new instances can catch up.
type Sync struct {
	client  redis.UniversalClient
	channel string
	applier BucketApplier
	origin  string
	logger  core.Logger
	clock   func() time.Time

	readyOnce sync.Once
	ready     chan struct{}
}

// Options tunes a Sync. Zero values get defaults.
type Options struct {
	Origin string
	Logger core.Logger
	Clock  func() time.Time
}

// NewClient opens a Redis client for the cluster config.
func NewClient(cfg config.ClusterConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New returns a Sync on channel. Updates received are applied to applier.
func New(client redis.UniversalClient, channel string, applier BucketApplier, opts Options) *Sync {
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = core.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Sync{
		client:  client,
		channel: channel,
		applier: applier,
		origin:  opts.Origin,
		logger:  opts.Logger,
		clock:   opts.Clock,
		ready:   make(chan struct{}),
	}
}

// Origin identifies this instance in published updates.
func (s *Sync) Origin() string {
	return s.origin
}

func (s *Sync) stateKey() string {
	return s.channel + ":state"
}

// PublishBucket records cfg as the cluster-wide config for name and
// notifies the other instances.
func (s *Sync) PublishBucket(parent context.Context, name string, cfg limiter.BucketConfig) error {
	ctx, cancel := context.WithTimeout(parent, defaultTimeout)
	defer cancel()

	payload, err := json.Marshal(BucketUpdate{
		Origin: s.origin,
		Name:   name,
		Config: cfg,
		At:     s.clock().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode bucket update: %w", err)
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.stateKey(), name, payload)
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish bucket %s: %w", name, err)
	}
	return nil
}

// Bootstrap applies every bucket config stored by other instances. It
// returns the number of buckets applied.
func (s *Sync) Bootstrap(parent context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parent, defaultTimeout)
	defer cancel()

	entries, err := s.client.HGetAll(ctx, s.stateKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("load cluster buckets: %w", err)
	}

	applied := 0
	for name, raw := range entries {
		var update BucketUpdate
		if err := json.Unmarshal([]byte(raw), &update); err != nil {
			s.logger.Warn("Skipping malformed cluster bucket",
				zap.String("bucket", name),
				zap.Error(err))
			continue
		}
		if s.apply(update) {
			applied++
		}
	}
	return applied, nil
}

// Ready is closed once Run holds an active subscription.
func (s *Sync) Ready() <-chan struct{} {
	return s.ready
}

// Run subscribes to the channel and applies foreign updates until ctx ends.
func (s *Sync) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close() // nolint:errcheck // best-effort cleanup

	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Info("Cluster bucket sync subscribed",
		zap.String("channel", s.channel),
		zap.String("origin", s.origin))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var update BucketUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				s.logger.Warn("Ignoring malformed bucket update", zap.Error(err))
				continue
			}
			s.apply(update)
		}
	}
}

// apply installs update unless it came from this instance.
func (s *Sync) apply(update BucketUpdate) bool {
	if update.Origin == s.origin || update.Name == "" {
		return false
	}
	if err := s.applier.UpdateBucket(update.Name, update.Config); err != nil {
		s.logger.Warn("Rejected cluster bucket update",
			zap.String("bucket", update.Name),
			zap.String("origin", update.Origin),
			zap.Error(err))
		return false
	}
	s.logger.Info("Applied cluster bucket update",
		zap.String("bucket", update.Name),
		zap.String("origin", update.Origin),
		zap.Float64("rate", update.Config.Rate),
		zap.Float64("capacity", update.Config.Capacity))
	return true
}
