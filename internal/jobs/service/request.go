package service

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

const (
	defaultPriority    = 5
	defaultMaxAttempts = 3
)

// InputFile describes an uploaded object the job will read
type InputFile struct {
	Key       string   `json:"key" validate:"required"`
	MimeType  string   `json:"mimeType" validate:"required"`
	SizeBytes *int64   `json:"sizeBytes" validate:"omitnil,gt=0"`
	SizeMb    *float64 `json:"sizeMb" validate:"omitnil,gt=0"`
}

// CreateJobRequest is a user's request to run a feature on an uploaded file
type CreateJobRequest struct {
	OrgID       string         `json:"orgId" validate:"required"`
	FeatureSlug string         `json:"featureSlug" validate:"required"`
	MediaType   string         `json:"mediaType" validate:"omitempty,oneof=IMAGE AUDIO VIDEO"`
	Input       InputFile      `json:"input"`
	Params      map[string]any `json:"params"`
	UTMSource   *string        `json:"utmSource" validate:"omitnil,min=1"`
	UTMCampaign *string        `json:"utmCampaign" validate:"omitnil,min=1"`
	Priority    *int           `json:"priority" validate:"omitnil,min=0,max=10"`
	MaxAttempts *int           `json:"maxAttempts" validate:"omitnil,min=1,max=10"`
}

// admission is a CreateJobRequest after validation and defaulting
type admission struct {
	orgID       string
	featureSlug string
	mediaType   domain.MediaType
	key         string
	mimeType    string
	sizeBytes   int64
	params      domain.Params
	utmSource   *string
	utmCampaign *string
	priority    int
	maxAttempts int
}

// OutputReport is the result file a worker attaches to a COMPLETED report
type OutputReport struct {
	Key       string  `json:"key" validate:"required"`
	MimeType  *string `json:"mimeType"`
	SizeBytes *int64  `json:"sizeBytes" validate:"omitnil,min=0"`
}

// StatusReport is a worker's status callback for a job
type StatusReport struct {
	Status   domain.Status `json:"status"`
	Error    *string       `json:"error"`
	Output   *OutputReport `json:"output"`
	WorkerID *string       `json:"workerId"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names, so messages match what the client sent
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// collectFieldErrors adds one message per failed struct rule, keyed by the
// field's JSON path without the root type name
func collectFieldErrors(err error, fields map[string]string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fields["request"] = err.Error()
		return
	}
	for _, fe := range verrs {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		fields[path] = fieldMessage(fe)
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		if fe.Kind() == reflect.String {
			return "must not be empty"
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}

func (r *CreateJobRequest) validate() (*admission, error) {
	fields := map[string]string{}

	n := *r
	n.OrgID = strings.TrimSpace(r.OrgID)
	n.FeatureSlug = strings.TrimSpace(r.FeatureSlug)
	n.MediaType = strings.TrimSpace(r.MediaType)
	if mt, ok := domain.ParseMediaType(r.MediaType); ok {
		n.MediaType = string(mt)
	}
	n.Input.Key = strings.TrimSpace(r.Input.Key)
	n.Input.MimeType = strings.TrimSpace(r.Input.MimeType)

	if err := validate.Struct(&n); err != nil {
		collectFieldErrors(err, fields)
	}

	a := &admission{
		orgID:       n.OrgID,
		featureSlug: n.FeatureSlug,
		mediaType:   domain.MediaType(n.MediaType),
		key:         n.Input.Key,
		mimeType:    n.Input.MimeType,
		params:      domain.Params(n.Params),
		utmSource:   n.UTMSource,
		utmCampaign: n.UTMCampaign,
		priority:    defaultPriority,
		maxAttempts: defaultMaxAttempts,
	}
	if a.params == nil {
		a.params = domain.Params{}
	}
	if n.Priority != nil {
		a.priority = *n.Priority
	}
	if n.MaxAttempts != nil {
		a.maxAttempts = *n.MaxAttempts
	}

	switch {
	case n.Input.SizeBytes != nil:
		a.sizeBytes = *n.Input.SizeBytes
	case n.Input.SizeMb != nil:
		if *n.Input.SizeMb > domain.MaxInputSizeMb {
			fields["input.sizeMb"] = fmt.Sprintf("must be at most %d", domain.MaxInputSizeMb)
		}
		a.sizeBytes = domain.MBToBytes(*n.Input.SizeMb)
	default:
		fields["input.sizeBytes"] = "input.sizeBytes or input.sizeMb is required"
	}

	validateParams(a.featureSlug, a.params, fields)

	if len(fields) > 0 {
		return nil, domain.ValidationFields("Validation failed", fields)
	}
	return a, nil
}

func (r *StatusReport) validate() error {
	status, ok := domain.ParseStatus(string(r.Status))
	if !ok {
		return domain.ValidationFields("Validation failed", map[string]string{
			"status": "must be one of QUEUED, PROCESSING, COMPLETED, FAILED, CANCELLED",
		})
	}
	r.Status = status

	n := *r
	if r.Output != nil {
		out := *r.Output
		out.Key = strings.TrimSpace(out.Key)
		n.Output = &out
	}
	if err := validate.Struct(&n); err != nil {
		fields := map[string]string{}
		collectFieldErrors(err, fields)
		return domain.ValidationFields("Validation failed", fields)
	}
	return nil
}

var (
	imageFormats         = []string{"jpeg", "jpg", "png", "webp", "gif", "bmp"}
	trimFormats          = []string{"mp3", "wav", "aac", "m4a", "ogg", "flac", "webm", "opus"}
	convertFormats       = []string{"mp3", "wav", "flac", "aac", "ogg", "wma", "alac", "m4a"}
	convertQualities     = []string{"low", "medium", "high", "custom"}
	audioCompressFormats = []string{"mp3", "aac", "ogg", "m4a"}
	sampleRates          = []float64{8000, 11025, 16000, 22050, 44100, 48000}
)

type paramRule func(p domain.Params, fields map[string]string)

// featureParams holds the parameter rules of features that have any
var featureParams = map[string][]paramRule{
	"image.resize": {
		intParam("width", 1, 10000, false),
		intParam("height", 1, 10000, false),
		boolParam("maintainAspect"),
		enumParam("format", imageFormats, false),
		intParam("quality", 1, 100, false),
		func(p domain.Params, fields map[string]string) {
			_, hasW := p["width"]
			_, hasH := p["height"]
			if !hasW && !hasH {
				fields["params.width"] = "At least one of width or height must be provided"
			}
		},
	},
	"image.compress": {
		intParam("quality", 1, 100, false),
		enumParam("format", imageFormats, false),
		boolParam("optimize"),
	},
	"image.quality": {
		intParam("quality", 1, 100, true),
		enumParam("format", imageFormats, false),
		boolParam("optimize"),
	},
	"audio.trim": {
		numberParam("startTime", 0, true),
		numberParam("endTime", 0, true),
		enumParam("format", trimFormats, false),
		func(p domain.Params, fields map[string]string) {
			start, okS := number(p["startTime"])
			end, okE := number(p["endTime"])
			if okS && okE && end <= start {
				fields["params.endTime"] = "endTime must be greater than startTime"
			}
		},
	},
	"audio.convert": {
		enumParam("format", convertFormats, true),
		enumParam("quality", convertQualities, false),
		intParam("bitrate", 64, 320, false),
		func(p domain.Params, fields map[string]string) {
			if q, _ := p["quality"].(string); q == "custom" {
				if _, ok := p["bitrate"]; !ok {
					fields["params.bitrate"] = "bitrate is required when quality is custom"
				}
			}
		},
	},
	"audio.compress": {
		intParam("bitrate", 64, 320, true),
		boolParam("vbr"),
		func(p domain.Params, fields map[string]string) {
			v, present := p["sampleRate"]
			if !present {
				return
			}
			n, ok := number(v)
			if !ok || !slices.Contains(sampleRates, n) {
				fields["params.sampleRate"] = "must be one of 8000, 11025, 16000, 22050, 44100, 48000"
			}
		},
		enumParam("format", audioCompressFormats, false),
	},
}

func validateParams(slug string, p domain.Params, fields map[string]string) {
	for _, rule := range featureParams[slug] {
		rule(p, fields)
	}
}

func intParam(name string, lo, hi int, required bool) paramRule {
	return func(p domain.Params, fields map[string]string) {
		v, present := p[name]
		if !present {
			if required {
				fields["params."+name] = "is required"
			}
			return
		}
		n, ok := number(v)
		if !ok || n != math.Trunc(n) || n < float64(lo) || n > float64(hi) {
			fields["params."+name] = fmt.Sprintf("must be an integer between %d and %d", lo, hi)
		}
	}
}

func numberParam(name string, lo float64, required bool) paramRule {
	return func(p domain.Params, fields map[string]string) {
		v, present := p[name]
		if !present {
			if required {
				fields["params."+name] = "is required"
			}
			return
		}
		n, ok := number(v)
		if !ok || n < lo {
			fields["params."+name] = fmt.Sprintf("must be a number >= %g", lo)
		}
	}
}

func boolParam(name string) paramRule {
	return func(p domain.Params, fields map[string]string) {
		v, present := p[name]
		if !present {
			return
		}
		if _, ok := v.(bool); !ok {
			fields["params."+name] = "must be a boolean"
		}
	}
}

func enumParam(name string, allowed []string, required bool) paramRule {
	return func(p domain.Params, fields map[string]string) {
		v, present := p[name]
		if !present {
			if required {
				fields["params."+name] = "is required"
			}
			return
		}
		s, ok := v.(string)
		if !ok || !slices.Contains(allowed, s) {
			fields["params."+name] = "must be one of " + strings.Join(allowed, ", ")
		}
	}
}

// number accepts the numeric types JSON decoding and Go callers produce
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
