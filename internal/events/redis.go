package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events as JSON to a redis pub/sub channel so external
// dashboards can follow pipeline progress. Publish failures are logged and
// swallowed.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to redisURL and verifies the connection.
func NewRedisSink(ctx context.Context, redisURL, channel string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if channel == "" {
		channel = "docpipe.events"
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (r *RedisSink) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Warn("event_marshal_failed", slog.String("event", e.Name),
			slog.String("error", err.Error()))
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		slog.Warn("event_publish_failed", slog.String("event", e.Name),
			slog.String("error", err.Error()))
	}
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
