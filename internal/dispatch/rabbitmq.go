package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

// Publisher is the subset of the RabbitMQ client used for dispatch
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// RabbitMQDispatcher publishes envelopes to the configured exchange
type RabbitMQDispatcher struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewRabbitMQDispatcher(publisher Publisher, logger *slog.Logger) *RabbitMQDispatcher {
	return &RabbitMQDispatcher{publisher: publisher, logger: logger}
}

func (d *RabbitMQDispatcher) Dispatch(ctx context.Context, env *domain.Envelope) error {
	body, err := encode(env)
	if err != nil {
		return err
	}

	if err := d.publisher.PublishWithRetry(ctx, body, contentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", env.JobID, err)
	}

	d.logger.Info("Job dispatched",
		slog.String("backend", "rabbitmq"),
		slog.String("job_id", env.JobID),
		slog.String("feature", env.FeatureSlug),
	)
	return nil
}
