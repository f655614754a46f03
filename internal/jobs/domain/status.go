package domain

import "strings"

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// AllStatuses lists every status in state machine order
var AllStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether no further transitions are allowed from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a job in s may still be cancelled or completed
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing
}

// ParseStatus returns the status for a case-insensitive name
func ParseStatus(v string) (Status, bool) {
	up := Status(strings.ToUpper(strings.TrimSpace(v)))
	for _, s := range AllStatuses {
		if s == up {
			return s, true
		}
	}
	return "", false
}
