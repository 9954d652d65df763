//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"jobtrail/internal/model"
)

// JOBTRAIL_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/repository/postgres/
func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("JOBTRAIL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JOBTRAIL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	st := NewStore(pool)
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func beginTx(t *testing.T, st *Store) *storeTx {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(func() { tx.Rollback(ctx) })
	return tx.(*storeTx)
}

// 每次运行使用不同的 id，回滚失败时也不会和旧数据冲突
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPostgresProcessedLedger(t *testing.T) {
	st := openIntegrationStore(t)
	tx := beginTx(t, st)
	ctx := context.Background()
	id := uniqueID("msg")

	seen, err := tx.HasProcessed(ctx, id)
	if err != nil || seen {
		t.Fatalf("HasProcessed before insert: got %v, %v, want false", seen, err)
	}
	if err := tx.RecordProcessed(ctx, id, true); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}
	seen, err = tx.HasProcessed(ctx, id)
	if err != nil || !seen {
		t.Fatalf("HasProcessed after insert: got %v, %v, want true", seen, err)
	}

	// 主键冲突会中止事务，放在最后
	if err := tx.RecordProcessed(ctx, id, false); err == nil {
		t.Error("duplicate RecordProcessed: got nil error, want primary key violation")
	}
}

func TestPostgresFindApplicationByThread(t *testing.T) {
	st := openIntegrationStore(t)
	tx := beginTx(t, st)
	ctx := context.Background()
	thread := uniqueID("thread")
	userID := time.Now().UnixNano() % 1_000_000_000
	emailAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	missing, err := tx.FindApplicationByThread(ctx, userID, thread)
	if err != nil || missing != nil {
		t.Fatalf("lookup before insert: got %v, %v, want nil, nil", missing, err)
	}

	app := &model.Application{
		UserID: userID, Company: "Initech", JobTitle: "Engineer", Location: model.Unknown,
		Status: model.StatusApplied, EmailThreadID: &thread, LastEmailAt: &emailAt, AppliedAt: emailAt,
	}
	if err := tx.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	if app.ID == 0 {
		t.Fatal("CreateApplication did not set ID")
	}

	found, err := tx.FindApplicationByThread(ctx, userID, thread)
	if err != nil || found == nil {
		t.Fatalf("FindApplicationByThread: got %v, %v", found, err)
	}
	if found.ID != app.ID || found.Company != "Initech" {
		t.Errorf("found: got id=%d company=%s, want id=%d company=Initech", found.ID, found.Company, app.ID)
	}

	other, err := tx.FindApplicationByThread(ctx, userID+1, thread)
	if err != nil || other != nil {
		t.Errorf("other user: got %v, %v, want nil, nil", other, err)
	}

	if err := tx.UpdateApplicationStatus(ctx, app.ID, model.StatusInterviewing, nil); err != nil {
		t.Fatalf("UpdateApplicationStatus: %v", err)
	}
	found, _ = tx.FindApplicationByThread(ctx, userID, thread)
	if found.Status != model.StatusInterviewing {
		t.Errorf("status: got %s, want interviewing", found.Status)
	}
	if found.LastEmailAt == nil || !found.LastEmailAt.Equal(emailAt) {
		t.Errorf("last email: got %v, want %v", found.LastEmailAt, emailAt)
	}
}

func TestPostgresEnqueueEvent(t *testing.T) {
	st := openIntegrationStore(t)
	tx := beginTx(t, st)
	ctx := context.Background()
	runID := uniqueID("run")

	if err := tx.EnqueueEvent(ctx, "application.created", 42, map[string]any{"run_id": runID}); err != nil {
		t.Fatalf("EnqueueEvent: %v", err)
	}

	var (
		aggregateType, status string
		aggregateID           int64
	)
	err := tx.tx.QueryRow(ctx,
		`SELECT aggregate_type, aggregate_id, status FROM outbox_events WHERE payload->>'run_id' = $1`, runID,
	).Scan(&aggregateType, &aggregateID, &status)
	if err != nil {
		t.Fatalf("query outbox row: %v", err)
	}
	if aggregateType != aggregateApplication || aggregateID != 42 || status != "pending" {
		t.Errorf("outbox row: got %s/%d/%s, want application/42/pending", aggregateType, aggregateID, status)
	}
}
