package reconcile

import (
	"context"
	"time"

	"jobtrail/internal/model"
)

// Ledger is the insert-only record of message ids already classified.
// RecordProcessed must be called at most once per id; a second call fails.
type Ledger interface {
	HasProcessed(ctx context.Context, messageID string) (bool, error)
	RecordProcessed(ctx context.Context, messageID string, wasJobRelated bool) error
}

// Tx is one run's unit of work. Reads observe writes made earlier in the
// same Tx.
type Tx interface {
	Ledger

	// FindApplicationByThread returns nil, nil when nothing matches.
	FindApplicationByThread(ctx context.Context, userID int64, threadID string) (*model.Application, error)
	// CreateApplication sets app.ID and the timestamps.
	CreateApplication(ctx context.Context, app *model.Application) error
	UpdateApplicationStatus(ctx context.Context, appID int64, status model.Status, lastEmailAt *time.Time) error
	AppendStatusChange(ctx context.Context, change *model.StatusChange) error
	// EnqueueEvent writes an outbox row that is published after commit.
	EnqueueEvent(ctx context.Context, routingKey string, aggregateID int64, payload any) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Stats summarises the ledger.
type Stats struct {
	TotalProcessed int `json:"total_processed"`
	JobRelated     int `json:"job_related"`
}

// Store is the application store consumed by the reconciler.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}
