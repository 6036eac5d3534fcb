package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are forwarded to.
const DefaultRedisChannel = "goatbridge:events"

// Publisher is the subset of the redis client used for forwarding.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisForwarder republishes bus events on a redis channel so other local
// tools can observe the daemon.
type RedisForwarder struct {
	pub     Publisher
	channel string
	closer  func() error
}

// NewRedisForwarder connects to redisURL (redis://host:port/db).
func NewRedisForwarder(redisURL, channel string) (*RedisForwarder, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	f := NewForwarder(client, channel)
	f.closer = client.Close
	return f, nil
}

// NewForwarder wraps an existing publisher.
func NewForwarder(pub Publisher, channel string) *RedisForwarder {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisForwarder{pub: pub, channel: channel}
}

// Handle is a bus Handler.
func (f *RedisForwarder) Handle(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.pub.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the underlying client if the forwarder owns it.
func (f *RedisForwarder) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer()
}

// LogHandler logs every event it receives at info level.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, e Event) error {
		logger.Info("event", "source", e.Source, "topic", e.Topic, "intent", e.Intent, "data", e.Data)
		return nil
	}
}
