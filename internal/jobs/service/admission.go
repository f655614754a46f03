package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

const (
	msgEnqueueFailed = "Failed to enqueue job"
	msgQuotaExceeded = "Quota exceeded"
	msgChargeFailed  = "Failed to charge quota"

	// queuedAtLayout matches JavaScript's Date.toISOString
	queuedAtLayout = "2006-01-02T15:04:05.000Z07:00"
)

// CreateJob admits a new job: it checks membership, the feature and quota, persists
// the job, charges quota and enqueues the job for workers. Requests carrying an
// idempotency key the user already used return the existing job unchanged.
func (s *Service) CreateJob(ctx context.Context, userID string, req CreateJobRequest, idempotencyKey string) (*domain.Job, error) {
	in, err := req.validate()
	if err != nil {
		return nil, err
	}

	if err := s.catalog.EnsureMember(ctx, userID, in.orgID); err != nil {
		return nil, err
	}

	feature, err := s.catalog.FeatureBySlug(ctx, in.featureSlug)
	if err != nil {
		return nil, err
	}
	if !feature.IsEnabled {
		return nil, domain.Validation(fmt.Sprintf("Feature is disabled: %s", feature.Slug))
	}
	if in.mediaType != "" && in.mediaType != feature.MediaType {
		return nil, domain.Validation(fmt.Sprintf(
			"mediaType mismatch. Feature %s is %s, got %s", feature.Slug, feature.MediaType, in.mediaType,
		))
	}

	sizeMb := domain.BytesToMBCeil(in.sizeBytes)

	if err := s.ledger.Validate(ctx, userID, sizeMb); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		existing, err := s.store.FindByIdempotencyKey(ctx, userID, idempotencyKey)
		if err == nil {
			s.deduplicated(existing, idempotencyKey)
			return existing, nil
		}
		if !domain.IsNotFound(err) {
			return nil, err
		}
	}

	job := s.newJob(userID, feature, in, sizeMb, idempotencyKey)

	if err := s.store.CreateJob(ctx, job); err != nil {
		if idempotencyKey != "" && domain.IsConflict(err) {
			existing, findErr := s.store.FindByIdempotencyKey(ctx, userID, idempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			s.deduplicated(existing, idempotencyKey)
			return existing, nil
		}
		return nil, err
	}

	if err := s.ledger.Consume(ctx, userID, job.ID, sizeMb); err != nil {
		var quotaErr *domain.QuotaError
		switch {
		case domain.IsConflict(err):
			s.logger.Debug("Quota already consumed for job", slog.String("job_id", job.ID))
		case errors.As(err, &quotaErr):
			s.compensate(ctx, job, msgQuotaExceeded)
			return nil, err
		default:
			s.compensate(ctx, job, msgChargeFailed)
			return nil, err
		}
	}

	if err := s.dispatcher.Dispatch(ctx, s.envelope(job, in)); err != nil {
		s.metrics.EnqueueFailed()
		s.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.ID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		s.compensate(ctx, job, msgEnqueueFailed)
		return nil, domain.Transport(msgEnqueueFailed, err)
	}

	s.metrics.JobAdmitted()
	s.logger.Info("Job admitted",
		slog.String("job_id", job.ID),
		slog.String("user_id", userID),
		slog.String("org_id", job.OrgID),
		slog.String("feature", job.FeatureSlug),
		slog.Int("size_mb", sizeMb),
	)

	return job, nil
}

func (s *Service) newJob(userID string, feature *domain.Feature, in *admission, sizeMb int, idempotencyKey string) *domain.Job {
	now := s.now().UTC()
	id := s.newID()

	job := &domain.Job{
		ID:          id,
		UserID:      userID,
		OrgID:       in.orgID,
		FeatureID:   feature.ID,
		FeatureSlug: feature.Slug,
		MediaType:   feature.MediaType,
		Status:      domain.StatusQueued,
		Params:      in.params,
		InputSizeMb: sizeMb,
		Priority:    in.priority,
		Attempt:     0,
		MaxAttempts: in.maxAttempts,
		UTMSource:   in.utmSource,
		UTMCampaign: in.utmCampaign,
		QueuedAt:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if idempotencyKey != "" {
		job.IdempotencyKey = &idempotencyKey
	}

	mimeType := in.mimeType
	job.Files = []domain.File{{
		ID:              s.newID(),
		JobID:           id,
		Kind:            domain.FileKindInput,
		StorageProvider: domain.StorageProviderR2,
		Bucket:          s.bucket,
		Key:             in.key,
		MimeType:        &mimeType,
		SizeMb:          &sizeMb,
		CreatedAt:       now,
	}}

	return job
}

func (s *Service) envelope(job *domain.Job, in *admission) *domain.Envelope {
	return &domain.Envelope{
		Version:     domain.EnvelopeVersion,
		JobID:       job.ID,
		UserID:      job.UserID,
		OrgID:       job.OrgID,
		MediaType:   job.MediaType,
		FeatureSlug: job.FeatureSlug,
		Input: domain.EnvelopeInput{
			Storage:   domain.StorageProviderR2,
			Bucket:    s.bucket,
			Key:       in.key,
			SizeBytes: in.sizeBytes,
			MimeType:  in.mimeType,
		},
		Params: job.Params,
		Metadata: domain.EnvelopeMetadata{
			UTMSource:      job.UTMSource,
			UTMCampaign:    job.UTMCampaign,
			Priority:       job.Priority,
			QueuedAt:       job.QueuedAt.UTC().Format(queuedAtLayout),
			Attempt:        job.Attempt,
			MaxAttempts:    job.MaxAttempts,
			IdempotencyKey: job.IdempotencyKey,
		},
	}
}

func (s *Service) deduplicated(job *domain.Job, key string) {
	s.metrics.JobDeduplicated()
	s.logger.Info("Returning existing job for idempotency key",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("idempotency_key", key),
	)
}

// compensate marks a job that could not be admitted as FAILED and gives back any
// quota it was charged. The refund is attempted even when the status write fails.
// Its own failures are logged so the admission error stays visible.
func (s *Service) compensate(ctx context.Context, job *domain.Job, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	msg := reason
	_, err := s.reconcile(ctx, job.ID, func(ctx context.Context) (*domain.Job, error) {
		return s.store.GetJob(ctx, job.ID)
	}, StatusReport{Status: domain.StatusFailed, Error: &msg}, false)
	if err != nil {
		s.logger.Error("Failed to compensate rejected job",
			slog.String("job_id", job.ID),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		// the job may stay QUEUED, but its charge must not outlive the failed admission
		_ = s.refund(ctx, job)
		return
	}

	s.logger.Warn("Job rejected after persisting",
		slog.String("job_id", job.ID),
		slog.String("reason", reason),
	)
}
