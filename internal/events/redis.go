package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis initializes a Redis client from URL or host:port input and
// checks it with a ping
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisSink publishes each event on a per-tenant pub/sub channel
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink publishes to channels named prefix + tenant id
func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

// Channel returns the channel an event for tenantID is published on
func (s *RedisSink) Channel(tenantID string) string {
	return s.prefix + tenantID
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, ev types.Event, payload []byte) error {
	return s.client.Publish(ctx, s.Channel(ev.TenantID), payload).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
