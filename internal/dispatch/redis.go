package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

// DefaultRedisKey is the list workers pop envelopes from
const DefaultRedisKey = "mediaconv:jobs:v1"

// ListPusher is the subset of the Redis client used for dispatch
type ListPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisDispatcher appends envelopes to a Redis list
type RedisDispatcher struct {
	client ListPusher
	key    string
	logger *slog.Logger
}

func NewRedisDispatcher(client ListPusher, key string, logger *slog.Logger) *RedisDispatcher {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisDispatcher{client: client, key: key, logger: logger}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, env *domain.Envelope) error {
	body, err := encode(env)
	if err != nil {
		return err
	}

	length, err := d.client.RPush(ctx, d.key, body).Result()
	if err != nil {
		return fmt.Errorf("failed to push job %s: %w", env.JobID, err)
	}

	d.logger.Info("Job dispatched",
		slog.String("backend", "redis"),
		slog.String("job_id", env.JobID),
		slog.String("key", d.key),
		slog.Int64("queue_length", length),
	)
	return nil
}
