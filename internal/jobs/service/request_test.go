package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

func intPtr(v int) *int { return &v }

func fieldsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.KindValidation, de.Kind)
	return de.Fields
}

func TestCreateJobRequest_Defaults(t *testing.T) {
	req := resizeRequest(10)
	req.Params = map[string]any{"height": 100}

	in, err := req.validate()
	require.NoError(t, err)
	assert.Equal(t, defaultPriority, in.priority)
	assert.Equal(t, defaultMaxAttempts, in.maxAttempts)
	assert.Equal(t, int64(10), in.sizeBytes)
	assert.Equal(t, domain.MediaType(""), in.mediaType)
}

func TestCreateJobRequest_SizeBytesWinsOverSizeMb(t *testing.T) {
	req := resizeRequest(123)
	sizeMb := 50.0
	req.Input.SizeMb = &sizeMb

	in, err := req.validate()
	require.NoError(t, err)
	assert.Equal(t, int64(123), in.sizeBytes)
}

func TestCreateJobRequest_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CreateJobRequest)
		field  string
	}{
		{name: "org", mutate: func(r *CreateJobRequest) { r.OrgID = " " }, field: "orgId"},
		{name: "feature", mutate: func(r *CreateJobRequest) { r.FeatureSlug = "" }, field: "featureSlug"},
		{name: "key", mutate: func(r *CreateJobRequest) { r.Input.Key = "" }, field: "input.key"},
		{name: "mime type", mutate: func(r *CreateJobRequest) { r.Input.MimeType = "" }, field: "input.mimeType"},
		{name: "media type", mutate: func(r *CreateJobRequest) { r.MediaType = "document" }, field: "mediaType"},
		{name: "zero bytes", mutate: func(r *CreateJobRequest) { zero := int64(0); r.Input.SizeBytes = &zero }, field: "input.sizeBytes"},
		{name: "negative MB", mutate: func(r *CreateJobRequest) { r.Input.SizeBytes = nil; neg := -1.0; r.Input.SizeMb = &neg }, field: "input.sizeMb"},
		{name: "priority too high", mutate: func(r *CreateJobRequest) { r.Priority = intPtr(11) }, field: "priority"},
		{name: "priority negative", mutate: func(r *CreateJobRequest) { r.Priority = intPtr(-1) }, field: "priority"},
		{name: "max attempts zero", mutate: func(r *CreateJobRequest) { r.MaxAttempts = intPtr(0) }, field: "maxAttempts"},
		{name: "max attempts too high", mutate: func(r *CreateJobRequest) { r.MaxAttempts = intPtr(11) }, field: "maxAttempts"},
		{name: "empty utm source", mutate: func(r *CreateJobRequest) { r.UTMSource = strPtr("") }, field: "utmSource"},
		{name: "missing size", mutate: func(r *CreateJobRequest) { r.Input.SizeBytes = nil }, field: "input.sizeBytes"},
		{name: "size MB overflows bytes", mutate: func(r *CreateJobRequest) { r.Input.SizeBytes = nil; huge := 1e13; r.Input.SizeMb = &huge }, field: "input.sizeMb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := resizeRequest(10)
			tt.mutate(&req)

			_, err := req.validate()
			require.Error(t, err)
			assert.Contains(t, fieldsOf(t, err), tt.field)
		})
	}
}

func TestCreateJobRequest_FieldMessages(t *testing.T) {
	req := CreateJobRequest{
		MediaType:   "document",
		Input:       InputFile{MimeType: "image/png", SizeBytes: new(int64)},
		UTMCampaign: strPtr(""),
		Priority:    intPtr(11),
		MaxAttempts: intPtr(0),
	}

	_, err := req.validate()
	require.Error(t, err)
	fields := fieldsOf(t, err)

	assert.Equal(t, "is required", fields["orgId"])
	assert.Equal(t, "is required", fields["featureSlug"])
	assert.Equal(t, "is required", fields["input.key"])
	assert.Equal(t, "must be one of IMAGE, AUDIO, VIDEO", fields["mediaType"])
	assert.Equal(t, "must be greater than 0", fields["input.sizeBytes"])
	assert.Equal(t, "must not be empty", fields["utmCampaign"])
	assert.Equal(t, "must be at most 10", fields["priority"])
	assert.Equal(t, "must be at least 1", fields["maxAttempts"])
	assert.NotContains(t, fields, "input.mimeType")
}

func TestCreateJobRequest_AcceptsLargestSizeMb(t *testing.T) {
	req := resizeRequest(10)
	req.Input.SizeBytes = nil
	sizeMb := float64(domain.MaxInputSizeMb)
	req.Input.SizeMb = &sizeMb

	in, err := req.validate()
	require.NoError(t, err)
	assert.Equal(t, int64(domain.MaxInputSizeMb*domain.BytesPerMB), in.sizeBytes)
}

func TestCreateJobRequest_FeatureParams(t *testing.T) {
	tests := []struct {
		name    string
		slug    string
		params  map[string]any
		wantErr string
	}{
		{name: "resize width only", slug: "image.resize", params: map[string]any{"width": float64(100)}},
		{name: "resize needs a dimension", slug: "image.resize", params: map[string]any{"format": "png"}, wantErr: "params.width"},
		{name: "resize width too large", slug: "image.resize", params: map[string]any{"width": float64(10001)}, wantErr: "params.width"},
		{name: "resize fractional height", slug: "image.resize", params: map[string]any{"height": 10.5}, wantErr: "params.height"},
		{name: "resize bad format", slug: "image.resize", params: map[string]any{"width": 1, "format": "tiff"}, wantErr: "params.format"},
		{name: "resize aspect not bool", slug: "image.resize", params: map[string]any{"width": 1, "maintainAspect": "yes"}, wantErr: "params.maintainAspect"},
		{name: "compress defaults", slug: "image.compress", params: map[string]any{}},
		{name: "compress quality range", slug: "image.compress", params: map[string]any{"quality": 0}, wantErr: "params.quality"},
		{name: "quality required", slug: "image.quality", params: map[string]any{}, wantErr: "params.quality"},
		{name: "quality ok", slug: "image.quality", params: map[string]any{"quality": 80, "optimize": false}},
		{name: "trim ok", slug: "audio.trim", params: map[string]any{"startTime": 0, "endTime": 12.5}},
		{name: "trim end before start", slug: "audio.trim", params: map[string]any{"startTime": 10, "endTime": 5}, wantErr: "params.endTime"},
		{name: "trim missing start", slug: "audio.trim", params: map[string]any{"endTime": 5}, wantErr: "params.startTime"},
		{name: "trim negative start", slug: "audio.trim", params: map[string]any{"startTime": -1, "endTime": 5}, wantErr: "params.startTime"},
		{name: "convert ok", slug: "audio.convert", params: map[string]any{"format": "flac"}},
		{name: "convert needs format", slug: "audio.convert", params: map[string]any{}, wantErr: "params.format"},
		{name: "convert custom needs bitrate", slug: "audio.convert", params: map[string]any{"format": "mp3", "quality": "custom"}, wantErr: "params.bitrate"},
		{name: "convert custom with bitrate", slug: "audio.convert", params: map[string]any{"format": "mp3", "quality": "custom", "bitrate": 192}},
		{name: "convert bitrate range", slug: "audio.convert", params: map[string]any{"format": "mp3", "bitrate": 500}, wantErr: "params.bitrate"},
		{name: "audio compress ok", slug: "audio.compress", params: map[string]any{"bitrate": 128, "sampleRate": 44100, "vbr": true}},
		{name: "audio compress sample rate", slug: "audio.compress", params: map[string]any{"bitrate": 128, "sampleRate": 12345}, wantErr: "params.sampleRate"},
		{name: "audio compress needs bitrate", slug: "audio.compress", params: map[string]any{}, wantErr: "params.bitrate"},
		{name: "unknown features take any params", slug: "video.transcode", params: map[string]any{"anything": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := resizeRequest(10)
			req.FeatureSlug = tt.slug
			req.Params = tt.params

			_, err := req.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, fieldsOf(t, err), tt.wantErr)
		})
	}
}

func TestStatusReport_NormalizesStatus(t *testing.T) {
	r := StatusReport{Status: "completed"}
	require.NoError(t, r.validate())
	assert.Equal(t, domain.StatusCompleted, r.Status)
}

func TestStatusReport_OutputErrors(t *testing.T) {
	negative := int64(-1)

	tests := []struct {
		name   string
		output *OutputReport
		field  string
		msg    string
	}{
		{name: "blank key", output: &OutputReport{Key: "  "}, field: "output.key", msg: "is required"},
		{name: "negative size", output: &OutputReport{Key: "out.png", SizeBytes: &negative}, field: "output.sizeBytes", msg: "must be at least 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := StatusReport{Status: domain.StatusCompleted, Output: tt.output}
			err := r.validate()
			require.Error(t, err)
			assert.Equal(t, tt.msg, fieldsOf(t, err)[tt.field])
		})
	}
}
