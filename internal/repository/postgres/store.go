package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobtrail/internal/model"
	"jobtrail/internal/service/reconcile"
	"jobtrail/pkg/outbox"
)

//go:embed schema.sql
var schema string

const aggregateApplication = "application"

// Store is the server-side application store.
type Store struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, outbox: outbox.NewRepository(db)}
}

// Migrate applies the schema; every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Outbox exposes the event repository for the dispatcher.
func (s *Store) Outbox() *outbox.Repository {
	return s.outbox
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Begin(ctx context.Context) (reconcile.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &storeTx{tx: tx, outbox: s.outbox}, nil
}

func (s *Store) Stats(ctx context.Context) (reconcile.Stats, error) {
	var st reconcile.Stats
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE was_job_related) FROM processed_messages`,
	).Scan(&st.TotalProcessed, &st.JobRelated)
	if err != nil {
		return st, fmt.Errorf("failed to query stats: %w", err)
	}
	return st, nil
}

// ListApplications returns a user's applications, oldest first.
func (s *Store) ListApplications(ctx context.Context, userID int64) ([]*model.Application, error) {
	rows, err := s.db.Query(ctx, `SELECT `+applicationColumns+` FROM applications WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var apps []*model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

type storeTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *storeTx) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_messages WHERE message_id = $1)`, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return exists, nil
}

func (t *storeTx) RecordProcessed(ctx context.Context, messageID string, wasJobRelated bool) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO processed_messages (message_id, was_job_related) VALUES ($1, $2)`,
		messageID, wasJobRelated)
	if err != nil {
		return fmt.Errorf("failed to record processed message: %w", err)
	}
	return nil
}

func (t *storeTx) FindApplicationByThread(ctx context.Context, userID int64, threadID string) (*model.Application, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE user_id = $1 AND email_thread_id = $2`,
		userID, threadID)
	app, err := scanApplication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return app, err
}

func (t *storeTx) CreateApplication(ctx context.Context, app *model.Application) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO applications (user_id, company, job_title, location, status, email_thread_id, last_email_at, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		app.UserID, app.Company, app.JobTitle, app.Location, string(app.Status),
		app.EmailThreadID, app.LastEmailAt, app.AppliedAt,
	).Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}
	return nil
}

func (t *storeTx) UpdateApplicationStatus(ctx context.Context, appID int64, status model.Status, lastEmailAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE applications
		SET status = $2, last_email_at = COALESCE($3, last_email_at), updated_at = NOW()
		WHERE id = $1`,
		appID, string(status), lastEmailAt)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %d not found", appID)
	}
	return nil
}

func (t *storeTx) AppendStatusChange(ctx context.Context, change *model.StatusChange) error {
	var old *string
	if change.OldStatus != nil {
		s := string(*change.OldStatus)
		old = &s
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO status_changes (application_id, old_status, new_status, source, changed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		change.ApplicationID, old, string(change.NewStatus), change.Source, change.ChangedAt,
	).Scan(&change.ID)
	if err != nil {
		return fmt.Errorf("failed to insert status change: %w", err)
	}
	return nil
}

func (t *storeTx) EnqueueEvent(ctx context.Context, routingKey string, aggregateID int64, payload any) error {
	return t.outbox.Enqueue(ctx, t.tx, aggregateApplication, aggregateID, routingKey, payload)
}

func (t *storeTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *storeTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

const applicationColumns = `id, user_id, company, job_title, location, status, email_thread_id,
	last_email_at, applied_at, created_at, updated_at`

func scanApplication(row pgx.Row) (*model.Application, error) {
	var (
		app    model.Application
		status string
	)
	err := row.Scan(&app.ID, &app.UserID, &app.Company, &app.JobTitle, &app.Location, &status,
		&app.EmailThreadID, &app.LastEmailAt, &app.AppliedAt, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan application: %w", err)
	}
	app.Status = model.Status(status)
	return &app, nil
}
