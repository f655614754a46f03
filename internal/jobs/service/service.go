// Package service implements job admission and the job lifecycle state machine.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/mediaconv/internal/dispatch"
	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/jobs/storage"
	"github.com/cuongbtq/mediaconv/internal/metrics"
)

const (
	// DefaultPageSize is also the largest page ListJobs returns
	DefaultPageSize = 50

	// DefaultDownloadExpiry is used when neither the caller nor the config asks for a lifetime
	DefaultDownloadExpiry = 600 * time.Second

	// MaxDownloadExpiry is the longest lifetime a presigned URL may have
	MaxDownloadExpiry = 7 * 24 * time.Hour

	// compensationTimeout bounds the cleanup after a failed admission
	compensationTimeout = 10 * time.Second
)

// JobStore persists jobs and applies conditional status updates
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobForUser(ctx context.Context, userID, jobID string) (*domain.Job, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	UpdateStatus(ctx context.Context, jobID string, expected domain.Status, upd domain.StatusUpdate) (*domain.Job, error)
}

// QuotaLedger validates, charges and refunds per-job quota
type QuotaLedger interface {
	Validate(ctx context.Context, userID string, sizeMb int) error
	Consume(ctx context.Context, userID, jobID string, sizeMb int) error
	Refund(ctx context.Context, userID, jobID string, sizeMb int) error
}

// Catalog resolves features and organization membership
type Catalog interface {
	EnsureMember(ctx context.Context, userID, orgID string) error
	FeatureBySlug(ctx context.Context, slug string) (*domain.Feature, error)
}

// URLSigner mints time-limited download URLs
type URLSigner interface {
	PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// Config holds service dependencies
type Config struct {
	Store      JobStore
	Ledger     QuotaLedger
	Catalog    Catalog
	Dispatcher dispatch.Dispatcher
	Signer     URLSigner
	// Bucket is recorded on every file the service creates
	Bucket         string
	PageSize       int
	DownloadExpiry time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
	NewID          func() string
}

// Service is the job admission controller and lifecycle reconciler
type Service struct {
	store          JobStore
	ledger         QuotaLedger
	catalog        Catalog
	dispatcher     dispatch.Dispatcher
	signer         URLSigner
	bucket         string
	pageSize       int
	downloadExpiry time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	newID          func() string
}

// New creates a new Service
func New(cfg *Config) *Service {
	s := &Service{
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		catalog:        cfg.Catalog,
		dispatcher:     cfg.Dispatcher,
		signer:         cfg.Signer,
		bucket:         cfg.Bucket,
		pageSize:       cfg.PageSize,
		downloadExpiry: cfg.DownloadExpiry,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		newID:          cfg.NewID,
	}
	if s.pageSize <= 0 || s.pageSize > DefaultPageSize {
		s.pageSize = DefaultPageSize
	}
	if s.downloadExpiry < time.Second || s.downloadExpiry > MaxDownloadExpiry {
		s.downloadExpiry = DefaultDownloadExpiry
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	return s
}

// GetJob returns a job owned by userID. Jobs owned by someone else are reported as not found.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	return s.store.GetJobForUser(ctx, userID, jobID)
}

// JobPage is one page of a user's jobs, newest first
type JobPage struct {
	Jobs       []domain.Job
	NextCursor *storage.JobCursor
}

// ListJobs returns a page of jobs owned by userID, optionally filtered by status
func (s *Service) ListJobs(ctx context.Context, userID string, status domain.Status, cursor *storage.JobCursor) (*JobPage, error) {
	jobs, err := s.store.ListJobs(ctx, storage.JobFilter{
		UserID:   userID,
		Status:   status,
		PageSize: s.pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		return nil, err
	}

	page := &JobPage{Jobs: jobs}
	if len(jobs) > s.pageSize {
		page.Jobs = jobs[:s.pageSize]
		last := page.Jobs[len(page.Jobs)-1]
		page.NextCursor = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	if page.Jobs == nil {
		page.Jobs = []domain.Job{}
	}
	return page, nil
}

// GetDownloadURL presigns the job's output file, or its input while no output exists.
// It does not look at the job's status.
func (s *Service) GetDownloadURL(ctx context.Context, userID, jobID string, expires time.Duration) (string, time.Duration, error) {
	if expires == 0 {
		expires = s.downloadExpiry
	}
	if expires < time.Second || expires > MaxDownloadExpiry {
		return "", 0, domain.ValidationFields("Invalid download expiry", map[string]string{
			"expiresIn": "must be between 1 and 604800 seconds",
		})
	}

	job, err := s.store.GetJobForUser(ctx, userID, jobID)
	if err != nil {
		return "", 0, err
	}

	file := job.OutputFile()
	if file == nil {
		file = job.InputFile()
	}
	if file == nil {
		return "", 0, domain.NotFound("No file available for download")
	}

	url, err := s.signer.PresignGet(ctx, file.Bucket, file.Key, expires)
	if err != nil {
		return "", 0, domain.Internal("failed to create download URL", err)
	}
	return url, expires, nil
}
