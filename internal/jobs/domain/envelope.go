package domain

// EnvelopeVersion is the wire version of the dispatch envelope
const EnvelopeVersion = "1.1"

// Envelope is the message pushed onto the dispatch queue for workers
type Envelope struct {
	Version     string           `json:"version"`
	JobID       string           `json:"jobId"`
	UserID      string           `json:"userId"`
	OrgID       string           `json:"orgId"`
	MediaType   MediaType        `json:"mediaType"`
	FeatureSlug string           `json:"featureSlug"`
	Input       EnvelopeInput    `json:"input"`
	Params      Params           `json:"params"`
	Metadata    EnvelopeMetadata `json:"metadata"`
}

type EnvelopeInput struct {
	Storage   string `json:"storage"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	SizeBytes int64  `json:"sizeBytes"`
	MimeType  string `json:"mimeType"`
}

type EnvelopeMetadata struct {
	UTMSource      *string `json:"utmSource"`
	UTMCampaign    *string `json:"utmCampaign"`
	Priority       int     `json:"priority"`
	QueuedAt       string  `json:"queuedAt"`
	Attempt        int     `json:"attempt"`
	MaxAttempts    int     `json:"maxAttempts"`
	IdempotencyKey *string `json:"idempotencyKey"`
}
