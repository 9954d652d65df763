package model

import "time"

// Unknown is the sentinel for fields a classifier could not determine.
const Unknown = "Unknown"

// Classifier tiers recorded on ClassificationResult.
const (
	TierHeuristic = "heuristic"
	TierModel     = "model"
)

// Status change sources.
const (
	SourceEmail  = "email"
	SourceManual = "manual"
)

type Application struct {
	ID            int64
	UserID        int64
	Company       string
	JobTitle      string
	Location      string
	Status        Status
	EmailThreadID *string
	LastEmailAt   *time.Time
	AppliedAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StatusChange is one row of an application's append-only audit trail.
// OldStatus is nil on the row written when the application is created.
type StatusChange struct {
	ID            int64
	ApplicationID int64
	OldStatus     *Status
	NewStatus     Status
	Source        string
	ChangedAt     time.Time
}

// ClassificationResult is the structured extraction for one job-related message.
type ClassificationResult struct {
	Company  string
	JobTitle string
	Location string
	// Status is the raw status label; map it with ParseStatus.
	Status string
	// Tier records which classifier produced the result.
	Tier string
}
