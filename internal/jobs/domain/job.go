package domain

import (
	"math"
	"strings"
	"time"
)

// BytesPerMB is the divisor used for every MB conversion
const BytesPerMB = 1024 * 1024

// MaxInputSizeMb is the largest input size in megabytes whose byte count fits an int64
const MaxInputSizeMb = math.MaxInt64 / BytesPerMB

// BytesToMBCeil converts a byte count to whole megabytes, always rounding up
func BytesToMBCeil(sizeBytes int64) int {
	if sizeBytes <= 0 {
		return 0
	}
	mb := sizeBytes / BytesPerMB
	if sizeBytes%BytesPerMB != 0 {
		mb++
	}
	return int(mb)
}

// MBToBytes converts a fractional megabyte size to bytes. Sizes above
// MaxInputSizeMb saturate at math.MaxInt64.
func MBToBytes(sizeMb float64) int64 {
	if sizeMb <= 0 {
		return 0
	}
	if sizeMb > MaxInputSizeMb {
		return math.MaxInt64
	}
	return int64(math.Round(sizeMb * BytesPerMB))
}

// MediaType is the kind of media a feature operates on
type MediaType string

const (
	MediaTypeImage MediaType = "IMAGE"
	MediaTypeAudio MediaType = "AUDIO"
	MediaTypeVideo MediaType = "VIDEO"
)

// ParseMediaType accepts IMAGE/AUDIO/VIDEO in any case
func ParseMediaType(v string) (MediaType, bool) {
	switch MediaType(strings.ToUpper(strings.TrimSpace(v))) {
	case MediaTypeImage:
		return MediaTypeImage, true
	case MediaTypeAudio:
		return MediaTypeAudio, true
	case MediaTypeVideo:
		return MediaTypeVideo, true
	}
	return "", false
}

// FileKind distinguishes the uploaded input from the worker's result
type FileKind string

const (
	FileKindInput  FileKind = "INPUT"
	FileKindOutput FileKind = "OUTPUT"
)

// StorageProviderR2 is the only storage provider files are written to
const StorageProviderR2 = "R2"

// Feature is a catalog entry resolved by slug
type Feature struct {
	ID        string    `db:"id"`
	Slug      string    `db:"slug"`
	Title     string    `db:"title"`
	MediaType MediaType `db:"media_type"`
	IsEnabled bool      `db:"is_enabled"`
}

// File is an input or output object attached to a job
type File struct {
	ID              string    `db:"id" json:"id"`
	JobID           string    `db:"job_id" json:"jobId"`
	Kind            FileKind  `db:"kind" json:"kind"`
	StorageProvider string    `db:"storage_provider" json:"storageProvider"`
	Bucket          string    `db:"bucket" json:"bucket"`
	Key             string    `db:"key" json:"key"`
	MimeType        *string   `db:"mime_type" json:"mimeType,omitempty"`
	SizeMb          *int      `db:"size_mb" json:"sizeMb,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Job is a single conversion request and its lifecycle state
type Job struct {
	ID             string     `db:"id"`
	UserID         string     `db:"user_id"`
	OrgID          string     `db:"org_id"`
	FeatureID      string     `db:"feature_id"`
	FeatureSlug    string     `db:"feature_slug"`
	MediaType      MediaType  `db:"media_type"`
	Status         Status     `db:"status"`
	Params         Params     `db:"params"`
	InputSizeMb    int        `db:"input_size_mb"`
	Priority       int        `db:"priority"`
	Attempt        int        `db:"attempt"`
	MaxAttempts    int        `db:"max_attempts"`
	IdempotencyKey *string    `db:"idempotency_key"`
	UTMSource      *string    `db:"utm_source"`
	UTMCampaign    *string    `db:"utm_campaign"`
	Error          *string    `db:"error"`
	WorkerID       *string    `db:"worker_id"`
	QueuedAt       time.Time  `db:"queued_at"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`

	Files []File `db:"-"`
}

// InputFile returns the job's single INPUT file, if loaded
func (j *Job) InputFile() *File {
	return j.fileOfKind(FileKindInput)
}

// OutputFile returns the job's OUTPUT file, if any
func (j *Job) OutputFile() *File {
	return j.fileOfKind(FileKindOutput)
}

func (j *Job) fileOfKind(kind FileKind) *File {
	for i := range j.Files {
		if j.Files[i].Kind == kind {
			return &j.Files[i]
		}
	}
	return nil
}

// StatusUpdate describes a conditional status transition applied by the job store
type StatusUpdate struct {
	Status Status
	// StartedAt is only written when the job has no start timestamp yet
	StartedAt   *time.Time
	CompletedAt *time.Time
	// SetError controls whether Error replaces the stored message (nil clears it)
	SetError bool
	Error    *string
	// WorkerID keeps the stored value when nil
	WorkerID *string
	Output   *File
}
