package observe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v7"

	"github.com/psantana5/pcap-relay/pkg/logging"
)

// Default Redis names used by the state sink
const (
	DefaultRedisChannel = "pcaprelay:state"
	latestKeySuffix     = ":latest"
)

// RedisSink mirrors published states into Redis so that processes
// other than the one running the orchestrator can observe them
type RedisSink struct {
	client  *redis.Client
	channel string
	key     string
	logger  *logging.Logger
}

// NewRedisSink connects to addr. Every update is published on channel
// and stored under channel+":latest".
func NewRedisSink(addr, channel string, logger *logging.Logger) (*RedisSink, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}

	rc := redis.NewClient(&redis.Options{Addr: addr})
	if err := rc.Ping().Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisSink{
		client:  rc,
		channel: channel,
		key:     channel + latestKeySuffix,
		logger:  logger.WithField("component", "redis-sink"),
	}, nil
}

// LatestKey is the key holding the most recent snapshot
func (s *RedisSink) LatestKey() string {
	return s.key
}

// Write stores and publishes a single update
func (s *RedisSink) Write(u Update) error {
	data, err := json.Marshal(u.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(s.key, data, 0)
	pipe.Publish(s.channel, data)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("failed to write snapshot to redis: %w", err)
	}
	return nil
}

// Run forwards updates from b until ctx is done or b is closed
func (s *RedisSink) Run(ctx context.Context, b *Broadcaster) {
	updates, unsubscribe := b.Subscribe()
	defer func() { unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				if b.Closed() {
					return
				}
				// the subscription ended without the broadcaster closing
				s.logger.Warn("state subscription lost, resubscribing")
				updates, unsubscribe = b.Subscribe()
				continue
			}
			if err := s.Write(u); err != nil {
				s.logger.Warn("failed to mirror state", logging.Fields{"error": err.Error(), "state": string(u.State.Kind())})
			}
		}
	}
}

// Close releases the connection
func (s *RedisSink) Close() error {
	return s.client.Close()
}
