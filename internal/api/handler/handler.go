package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/jobs/service"
	"github.com/cuongbtq/mediaconv/internal/jobs/storage"
	"github.com/cuongbtq/mediaconv/internal/quota"
)

// JobService is the job admission and lifecycle API used by handlers
type JobService interface {
	CreateJob(ctx context.Context, userID string, req service.CreateJobRequest, idempotencyKey string) (*domain.Job, error)
	GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, userID string, status domain.Status, cursor *storage.JobCursor) (*service.JobPage, error)
	CancelJob(ctx context.Context, userID, jobID string) (*domain.Job, error)
	GetDownloadURL(ctx context.Context, userID, jobID string, expires time.Duration) (string, time.Duration, error)
	ReportStatus(ctx context.Context, jobID string, report service.StatusReport) (*domain.Job, error)
}

// QuotaService reports a user's daily quota
type QuotaService interface {
	Info(ctx context.Context, userID string) (quota.Info, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Jobs   JobService
	Quota  QuotaService
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// QuotaHandler serves the caller's quota summary
type QuotaHandler struct {
	logger *slog.Logger
	quota  QuotaService
}

func NewQuotaHandler(deps *Dependencies) *QuotaHandler {
	return &QuotaHandler{
		logger: deps.Logger,
		quota:  deps.Quota,
	}
}

const userIDKey = "user_id"

// SetUserID records the authenticated caller on the request context
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
