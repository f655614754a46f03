package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediaconv/internal/api/dto"
	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/jobs/service"
)

// idempotencyKey reads the key from Idempotency-Key, falling back to X-Idempotency-Key
func idempotencyKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(c.GetHeader("X-Idempotency-Key"))
}

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}

	userID := callerID(c)
	key := idempotencyKey(c)

	h.logger.Debug("CreateJob called",
		slog.String("user_id", userID),
		slog.String("feature", req.FeatureSlug),
		slog.Bool("idempotent", key != ""),
	)

	job, err := h.jobs.CreateJob(c.Request.Context(), userID, service.CreateJobRequest{
		OrgID:       req.OrgID,
		FeatureSlug: req.FeatureSlug,
		MediaType:   req.MediaType,
		Input: service.InputFile{
			Key:       req.Input.Key,
			MimeType:  req.Input.MimeType,
			SizeBytes: req.Input.SizeBytes,
			SizeMb:    req.Input.SizeMb,
		},
		Params:      req.Params,
		UTMSource:   req.UTMSource,
		UTMCampaign: req.UTMCampaign,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}, key)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	ok(c, http.StatusCreated, dto.ToJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), callerID(c), c.Param("job_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Debug("Job status retrieved",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	ok(c, http.StatusOK, dto.ToJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "Invalid query parameters")
		return
	}

	var status domain.Status
	if req.Status != "" {
		parsed, valid := domain.ParseStatus(req.Status)
		if !valid {
			badRequest(c, "Invalid status filter")
			return
		}
		status = parsed
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		badRequest(c, "Invalid cursor")
		return
	}

	page, err := h.jobs.ListJobs(c.Request.Context(), callerID(c), status, cursor)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i := range page.Jobs {
		jobs[i] = dto.ToJobDTO(&page.Jobs[i])
	}

	resp := dto.ListJobsResponse{Jobs: jobs}
	if page.NextCursor != nil {
		resp.NextCursor = EncodeJobCursor(page.NextCursor)
	}
	ok(c, http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, err := h.jobs.CancelJob(c.Request.Context(), callerID(c), c.Param("job_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	ok(c, http.StatusOK, dto.ToJobDTO(job))
}

// GetDownloadURL handles GET /api/v1/jobs/:job_id/download
func (h *JobHandler) GetDownloadURL(c *gin.Context) {
	var req dto.DownloadRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "expiresIn must be a number of seconds")
		return
	}

	url, expires, err := h.jobs.GetDownloadURL(c.Request.Context(), callerID(c), c.Param("job_id"),
		time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	ok(c, http.StatusOK, dto.DownloadResponse{
		DownloadURL: url,
		ExpiresIn:   int(expires / time.Second),
	})
}

// ReportStatus handles POST /api/v1/jobs/internal/:job_id/status, called by workers
func (h *JobHandler) ReportStatus(c *gin.Context) {
	var req dto.WorkerStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid worker status body", slog.String("error", err.Error()))
		badRequest(c, "Invalid request body")
		return
	}

	jobID := c.Param("job_id")
	report := service.StatusReport{
		Status:   domain.Status(req.Status),
		Error:    req.Error,
		WorkerID: req.WorkerID,
	}
	if req.Output != nil {
		report.Output = &service.OutputReport{
			Key:       req.Output.Key,
			MimeType:  req.Output.MimeType,
			SizeBytes: req.Output.SizeBytes,
		}
	}

	job, err := h.jobs.ReportStatus(c.Request.Context(), jobID, report)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Info("Worker status applied",
		slog.String("job_id", jobID),
		slog.String("reported", req.Status),
		slog.String("status", string(job.Status)),
	)
	ok(c, http.StatusOK, dto.ToJobDTO(job))
}
