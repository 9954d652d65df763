package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"jobtrail/internal/model"
	"jobtrail/internal/service/reconcile"
	"jobtrail/pkg/outbox"
)

const aggregateApplication = "application"

// Store is a single-file application store for local and CLI use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open creates the file (and directory) if needed and applies the schema.
// path ":memory:" gives a private in-memory database.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单连接：写事务串行，内存库也不会因为换连接而丢失
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite store initialized", zap.String("path", path))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Begin(ctx context.Context) (reconcile.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &storeTx{tx: tx, now: s.now}, nil
}

func (s *Store) Stats(ctx context.Context) (reconcile.Stats, error) {
	var st reconcile.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(was_job_related), 0) FROM processed_messages`,
	).Scan(&st.TotalProcessed, &st.JobRelated)
	if err != nil {
		return st, fmt.Errorf("failed to query stats: %w", err)
	}
	return st, nil
}

// ListApplications returns a user's applications, oldest first.
func (s *Store) ListApplications(ctx context.Context, userID int64) ([]*model.Application, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE user_id = ? ORDER BY id`, userID)
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

// ListStatusChanges returns the audit trail of one application in order.
func (s *Store) ListStatusChanges(ctx context.Context, applicationID int64) ([]*model.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, application_id, old_status, new_status, source, changed_at
		FROM status_changes WHERE application_id = ? ORDER BY id`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status changes: %w", err)
	}
	defer rows.Close()

	var changes []*model.StatusChange
	for rows.Next() {
		var (
			c         model.StatusChange
			old       sql.NullString
			newStatus string
			changedAt int64
		)
		if err := rows.Scan(&c.ID, &c.ApplicationID, &old, &newStatus, &c.Source, &changedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		if old.Valid {
			st := model.Status(old.String)
			c.OldStatus = &st
		}
		c.NewStatus = model.Status(newStatus)
		c.ChangedAt = time.UnixMilli(changedAt)
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}

// GetPendingEvents lets outbox.Dispatcher publish events recorded here.
func (s *Store) GetPendingEvents(ctx context.Context, limit int) ([]*outbox.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, routing_key, payload, status,
		       retry_count, next_retry_at, created_at, updated_at
		FROM outbox_events
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY id
		LIMIT ?`, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		var (
			e                    outbox.Event
			aggregateID          sql.NullInt64
			payload              string
			nextRetry            sql.NullInt64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &aggregateID, &e.RoutingKey, &payload, &e.Status,
			&e.RetryCount, &nextRetry, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if aggregateID.Valid {
			id := aggregateID.Int64
			e.AggregateID = &id
		}
		e.Payload = json.RawMessage(payload)
		e.NextRetryAt = fromMillis(nextRetry)
		e.CreatedAt = time.UnixMilli(createdAt)
		e.UpdatedAt = time.UnixMilli(updatedAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *Store) MarkAsSent(ctx context.Context, eventID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'sent', updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkAsFailed 退避：5s, 10s, 15s...，达到 maxRetries 后标记为 failed
func (s *Store) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
		    next_retry_at = CASE WHEN retry_count + 1 >= ? THEN NULL ELSE ? + (retry_count + 1) * 5000 END,
		    updated_at = ?
		WHERE id = ?`, maxRetries, maxRetries, now, now, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}

type storeTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *storeTx) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM processed_messages WHERE message_id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return true, nil
}

func (t *storeTx) RecordProcessed(ctx context.Context, messageID string, wasJobRelated bool) error {
	related := 0
	if wasJobRelated {
		related = 1
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO processed_messages (message_id, was_job_related, processed_at) VALUES (?, ?, ?)`,
		messageID, related, t.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record processed message: %w", err)
	}
	return nil
}

func (t *storeTx) FindApplicationByThread(ctx context.Context, userID int64, threadID string) (*model.Application, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE user_id = ? AND email_thread_id = ? LIMIT 1`,
		userID, threadID)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return app, err
}

func (t *storeTx) CreateApplication(ctx context.Context, app *model.Application) error {
	now := t.now()
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO applications (user_id, company, job_title, location, status, email_thread_id,
		                          last_email_at, applied_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.UserID, app.Company, app.JobTitle, app.Location, string(app.Status), app.EmailThreadID,
		toMillis(app.LastEmailAt), app.AppliedAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read application id: %w", err)
	}
	app.ID = id
	app.CreatedAt = now
	app.UpdatedAt = now
	return nil
}

func (t *storeTx) UpdateApplicationStatus(ctx context.Context, appID int64, status model.Status, lastEmailAt *time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE applications SET status = ?, last_email_at = COALESCE(?, last_email_at), updated_at = ? WHERE id = ?`,
		string(status), toMillis(lastEmailAt), t.now().UnixMilli(), appID)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("application %d not found", appID)
	}
	return nil
}

func (t *storeTx) AppendStatusChange(ctx context.Context, change *model.StatusChange) error {
	var old any
	if change.OldStatus != nil {
		old = string(*change.OldStatus)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO status_changes (application_id, old_status, new_status, source, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		change.ApplicationID, old, string(change.NewStatus), change.Source, change.ChangedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert status change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read status change id: %w", err)
	}
	change.ID = id
	return nil
}

func (t *storeTx) EnqueueEvent(ctx context.Context, routingKey string, aggregateID int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	now := t.now().UnixMilli()
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, routing_key, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		aggregateApplication, aggregateID, routingKey, string(body), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (t *storeTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *storeTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

const applicationColumns = `id, user_id, company, job_title, location, status, email_thread_id,
	last_email_at, applied_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (*model.Application, error) {
	var (
		app                             model.Application
		status                          string
		thread                          sql.NullString
		lastEmail                       sql.NullInt64
		appliedAt, createdAt, updatedAt int64
	)
	err := row.Scan(&app.ID, &app.UserID, &app.Company, &app.JobTitle, &app.Location, &status,
		&thread, &lastEmail, &appliedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan application: %w", err)
	}
	app.Status = model.Status(status)
	if thread.Valid {
		app.EmailThreadID = &thread.String
	}
	app.LastEmailAt = fromMillis(lastEmail)
	app.AppliedAt = time.UnixMilli(appliedAt)
	app.CreatedAt = time.UnixMilli(createdAt)
	app.UpdatedAt = time.UnixMilli(updatedAt)
	return &app, nil
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
