package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the stable taxonomy surfaced to callers.
type Kind string

const (
	KindAccessDenied  Kind = "ACCESS_DENIED"
	KindNotFound      Kind = "NOT_FOUND"
	KindValidation    Kind = "VALIDATION_ERROR"
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"
	KindTransport     Kind = "TRANSPORT_ERROR"
	KindConflict      Kind = "CONFLICT"
	KindInternal      Kind = "INTERNAL"
)

// Error is the error type returned by the job and quota services
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// QuotaError reports a rejected charge with the numbers needed for display
type QuotaError struct {
	Remaining int
	Needed    int
	Limit     int
	Used      int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf(
		"Insufficient quota. You have %dMB remaining, but need %dMB. Daily limit: %dMB.",
		e.Remaining, e.Needed, e.Limit,
	)
}

var (
	// ErrJobNotFound is returned when a job does not exist or is not owned by the caller
	ErrJobNotFound = NotFound("Job not found")

	// ErrConflict is returned by storage when a uniqueness constraint rejects a write
	ErrConflict = &Error{Kind: KindConflict, Message: "unique constraint violation"}

	// ErrStaleStatus is returned when a conditional status update lost a race
	ErrStaleStatus = errors.New("job status changed concurrently")
)

func AccessDenied(msg string) error {
	return &Error{Kind: KindAccessDenied, Message: msg}
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

// ValidationFields builds a validation error carrying per-field messages
func ValidationFields(msg string, fields map[string]string) error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func Transport(msg string, err error) error {
	return &Error{Kind: KindTransport, Message: msg, Err: err}
}

func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the taxonomy kind of err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return KindQuotaExceeded
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsConflict reports whether err is a uniqueness violation from the persistence layer
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsNotFound reports whether err is a NotFound error
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
