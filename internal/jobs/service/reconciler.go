package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

const (
	defaultFailureMessage = "Job failed"

	// maxTransitionAttempts bounds re-reads after losing a status race
	maxTransitionAttempts = 5
)

type loadFunc func(ctx context.Context) (*domain.Job, error)

// ReportStatus applies a worker's status callback. Duplicate reports of the status
// a job is already in are accepted without changing it; any other report for a
// terminal job is rejected and leaves the job untouched.
func (s *Service) ReportStatus(ctx context.Context, jobID string, report StatusReport) (*domain.Job, error) {
	if err := report.validate(); err != nil {
		return nil, err
	}

	return s.reconcile(ctx, jobID, func(ctx context.Context) (*domain.Job, error) {
		return s.store.GetJob(ctx, jobID)
	}, report, false)
}

// CancelJob cancels a QUEUED or PROCESSING job owned by userID and refunds its quota.
// It cannot stop a worker that already picked the job up.
func (s *Service) CancelJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	return s.reconcile(ctx, jobID, func(ctx context.Context) (*domain.Job, error) {
		return s.store.GetJobForUser(ctx, userID, jobID)
	}, StatusReport{Status: domain.StatusCancelled}, true)
}

// reconcile reads the job, checks the transition and writes it conditionally on the
// status it read, retrying when a concurrent writer got there first. With strict set,
// same-status duplicates are rejected like any other move out of a terminal state.
func (s *Service) reconcile(ctx context.Context, jobID string, load loadFunc, report StatusReport, strict bool) (*domain.Job, error) {
	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		job, err := load(ctx)
		if err != nil {
			return nil, err
		}

		duplicate, err := checkTransition(job.Status, report.Status, strict)
		if err != nil {
			s.logger.Warn("Rejected status update",
				slog.String("job_id", jobID),
				slog.String("from", string(job.Status)),
				slog.String("to", string(report.Status)),
			)
			return nil, err
		}

		if duplicate {
			s.logger.Debug("Duplicate status update",
				slog.String("job_id", jobID),
				slog.String("status", string(job.Status)),
			)
			if refundable(job.Status) {
				if err := s.refund(ctx, job); err != nil {
					return nil, err
				}
			}
			return job, nil
		}

		updated, err := s.store.UpdateStatus(ctx, jobID, job.Status, s.statusUpdate(report))
		if errors.Is(err, domain.ErrStaleStatus) {
			s.logger.Debug("Job status changed concurrently, retrying",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		s.metrics.Transition(string(updated.Status))
		s.logger.Info("Job status changed",
			slog.String("job_id", jobID),
			slog.String("from", string(job.Status)),
			slog.String("status", string(updated.Status)),
		)

		if refundable(updated.Status) {
			if err := s.refund(ctx, updated); err != nil {
				return nil, err
			}
		}
		return updated, nil
	}

	return nil, domain.Internal(fmt.Sprintf("failed to update job %s", jobID), domain.ErrStaleStatus)
}

// checkTransition reports whether moving from -> to is a duplicate of the current
// state, or fails with a validation error when the move is not allowed.
func checkTransition(from, to domain.Status, strict bool) (bool, error) {
	if from == to && !strict && to != domain.StatusQueued {
		return true, nil
	}

	switch to {
	case domain.StatusProcessing:
		if from == domain.StatusQueued {
			return false, nil
		}
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
		if from.IsActive() {
			return false, nil
		}
	}

	if strict {
		return false, domain.Validation(fmt.Sprintf("Job cannot be cancelled from status: %s", from))
	}
	return false, domain.Validation(fmt.Sprintf("Unsupported status update: %s -> %s", from, to))
}

func refundable(status domain.Status) bool {
	return status == domain.StatusFailed || status == domain.StatusCancelled
}

func (s *Service) statusUpdate(report StatusReport) domain.StatusUpdate {
	now := s.now().UTC()
	upd := domain.StatusUpdate{
		Status:   report.Status,
		WorkerID: report.WorkerID,
	}

	switch report.Status {
	case domain.StatusProcessing:
		upd.StartedAt = &now
	case domain.StatusCompleted:
		upd.CompletedAt = &now
		upd.SetError = true
		if report.Output != nil {
			upd.Output = s.outputFile(report.Output, now)
		}
	case domain.StatusFailed:
		msg := defaultFailureMessage
		if report.Error != nil && *report.Error != "" {
			msg = *report.Error
		}
		upd.CompletedAt = &now
		upd.SetError = true
		upd.Error = &msg
	case domain.StatusCancelled:
		upd.CompletedAt = &now
		upd.SetError = true
		if report.Error != nil && *report.Error != "" {
			upd.Error = report.Error
		}
	}
	return upd
}

func (s *Service) outputFile(out *OutputReport, now time.Time) *domain.File {
	file := &domain.File{
		ID:              s.newID(),
		Kind:            domain.FileKindOutput,
		StorageProvider: domain.StorageProviderR2,
		Bucket:          s.bucket,
		Key:             out.Key,
		MimeType:        out.MimeType,
		CreatedAt:       now,
	}
	if out.SizeBytes != nil {
		sizeMb := domain.BytesToMBCeil(*out.SizeBytes)
		file.SizeMb = &sizeMb
	}
	return file
}

// refund gives back the job's charge. A refund that was already applied is a no-op.
func (s *Service) refund(ctx context.Context, job *domain.Job) error {
	err := s.ledger.Refund(ctx, job.UserID, job.ID, job.InputSizeMb)
	if domain.IsConflict(err) {
		s.logger.Debug("Quota already refunded for job", slog.String("job_id", job.ID))
		return nil
	}
	if err != nil {
		s.logger.Error("Failed to refund quota",
			slog.String("job_id", job.ID),
			slog.String("user_id", job.UserID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
