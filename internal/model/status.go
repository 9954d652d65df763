package model

import "strings"

// Status is the lifecycle stage of a job application.
type Status string

const (
	StatusApplied      Status = "applied"
	StatusScreening    Status = "screening"
	StatusInterviewing Status = "interviewing"
	StatusOffer        Status = "offer"
	StatusDeclined     Status = "declined"
	StatusWithdrawn    Status = "withdrawn"
	StatusAccepted     Status = "accepted"
)

// InferableStatuses is the closed vocabulary exchanged with the model.
// Accepted is only ever set manually.
var InferableStatuses = []Status{
	StatusApplied,
	StatusScreening,
	StatusInterviewing,
	StatusOffer,
	StatusDeclined,
	StatusWithdrawn,
}

// Valid reports whether s is one of the known lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusApplied, StatusScreening, StatusInterviewing, StatusOffer,
		StatusDeclined, StatusWithdrawn, StatusAccepted:
		return true
	}
	return false
}

// ParseStatus maps a classifier status string onto a lifecycle status.
// Anything unrecognised, including the empty string, is StatusApplied.
func ParseStatus(raw string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range InferableStatuses {
		if s == known {
			return s
		}
	}
	return StatusApplied
}
