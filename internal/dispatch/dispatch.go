// Package dispatch hands admitted job envelopes to the external worker fleet.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

const contentTypeJSON = "application/json"

// Dispatcher enqueues a job envelope for processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *domain.Envelope) error
}

func encode(env *domain.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}
