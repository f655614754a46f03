package dto

import (
	"time"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

type CreateJobRequest struct {
	OrgID       string         `json:"orgId"`
	FeatureSlug string         `json:"featureSlug"`
	MediaType   string         `json:"mediaType"`
	Input       InputFile      `json:"input"`
	Params      map[string]any `json:"params"`
	UTMSource   *string        `json:"utmSource"`
	UTMCampaign *string        `json:"utmCampaign"`
	Priority    *int           `json:"priority"`
	MaxAttempts *int           `json:"maxAttempts"`
}

type InputFile struct {
	Key       string   `json:"key"`
	SizeBytes *int64   `json:"sizeBytes"`
	SizeMb    *float64 `json:"sizeMb"`
	MimeType  string   `json:"mimeType"`
}

// WorkerStatusRequest is the body of a worker's status callback
type WorkerStatusRequest struct {
	Status   string        `json:"status" binding:"required"`
	Error    *string       `json:"error"`
	Output   *WorkerOutput `json:"output"`
	WorkerID *string       `json:"workerId"`
}

type WorkerOutput struct {
	Key       string  `json:"key" binding:"required"`
	MimeType  *string `json:"mimeType"`
	SizeBytes *int64  `json:"sizeBytes"`
}

type ListJobsRequest struct {
	Status string `form:"status"`
	Cursor string `form:"cursor"`
}

type DownloadRequest struct {
	ExpiresIn int `form:"expiresIn"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type DownloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
	ExpiresIn   int    `json:"expiresIn"`
}

type JobDTO struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	OrgID          string        `json:"orgId"`
	FeatureID      string        `json:"featureId"`
	FeatureSlug    string        `json:"featureSlug"`
	MediaType      string        `json:"mediaType"`
	Status         string        `json:"status"`
	Params         domain.Params `json:"params"`
	InputSizeMb    int           `json:"inputSizeMb"`
	Priority       int           `json:"priority"`
	Attempt        int           `json:"attempt"`
	MaxAttempts    int           `json:"maxAttempts"`
	IdempotencyKey *string       `json:"idempotencyKey"`
	UTMSource      *string       `json:"utmSource"`
	UTMCampaign    *string       `json:"utmCampaign"`
	Error          *string       `json:"error"`
	WorkerID       *string       `json:"workerId"`
	QueuedAt       string        `json:"queuedAt"`
	StartedAt      *string       `json:"startedAt"`
	CompletedAt    *string       `json:"completedAt"`
	CreatedAt      string        `json:"createdAt"`
	UpdatedAt      string        `json:"updatedAt"`
	Files          []domain.File `json:"files,omitempty"`
}

// Response is the success envelope of every endpoint
type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// ErrorResponse is the failure envelope of every endpoint
type ErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Kind    string            `json:"kind"`
	Fields  map[string]string `json:"fields,omitempty"`
	Quota   *QuotaDetails     `json:"quota,omitempty"`
}

type QuotaDetails struct {
	Remaining int `json:"remaining"`
	Needed    int `json:"needed"`
	Limit     int `json:"limit"`
	Used      int `json:"used"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// ToJobDTO converts a domain job to its wire representation
func ToJobDTO(job *domain.Job) JobDTO {
	params := job.Params
	if params == nil {
		params = domain.Params{}
	}

	return JobDTO{
		ID:             job.ID,
		UserID:         job.UserID,
		OrgID:          job.OrgID,
		FeatureID:      job.FeatureID,
		FeatureSlug:    job.FeatureSlug,
		MediaType:      string(job.MediaType),
		Status:         string(job.Status),
		Params:         params,
		InputSizeMb:    job.InputSizeMb,
		Priority:       job.Priority,
		Attempt:        job.Attempt,
		MaxAttempts:    job.MaxAttempts,
		IdempotencyKey: job.IdempotencyKey,
		UTMSource:      job.UTMSource,
		UTMCampaign:    job.UTMCampaign,
		Error:          job.Error,
		WorkerID:       job.WorkerID,
		QueuedAt:       formatTime(job.QueuedAt),
		StartedAt:      formatTimePtr(job.StartedAt),
		CompletedAt:    formatTimePtr(job.CompletedAt),
		CreatedAt:      formatTime(job.CreatedAt),
		UpdatedAt:      formatTime(job.UpdatedAt),
		Files:          job.Files,
	}
}
