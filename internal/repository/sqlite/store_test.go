package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"jobtrail/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecordProcessedRejectsDuplicates(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.RecordProcessed(ctx, "m1", true); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}
	if err := tx.RecordProcessed(ctx, "m1", false); err == nil {
		t.Error("second RecordProcessed: got nil error, want primary key violation")
	}
	seen, err := tx.HasProcessed(ctx, "m1")
	if err != nil || !seen {
		t.Errorf("HasProcessed(m1): got %v, %v, want true", seen, err)
	}
	seen, _ = tx.HasProcessed(ctx, "m2")
	if seen {
		t.Error("HasProcessed(m2): got true, want false")
	}
}

func TestApplicationRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	emailAt := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	thread := "thread-9"

	tx, _ := st.Begin(ctx)
	app := &model.Application{
		UserID: 7, Company: "Acme", JobTitle: "Engineer", Location: model.Unknown,
		Status: model.StatusApplied, EmailThreadID: &thread, LastEmailAt: &emailAt, AppliedAt: emailAt,
	}
	if err := tx.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	if app.ID == 0 {
		t.Fatal("CreateApplication did not set ID")
	}

	found, err := tx.FindApplicationByThread(ctx, 7, thread)
	if err != nil || found == nil {
		t.Fatalf("FindApplicationByThread: got %v, %v", found, err)
	}
	if found.ID != app.ID || !found.AppliedAt.Equal(emailAt) {
		t.Errorf("found: got id=%d applied=%v, want id=%d applied=%v", found.ID, found.AppliedAt, app.ID, emailAt)
	}

	other, err := tx.FindApplicationByThread(ctx, 8, thread)
	if err != nil || other != nil {
		t.Errorf("other user: got %v, %v, want nil, nil", other, err)
	}

	// nil lastEmailAt keeps the stored value
	if err := tx.UpdateApplicationStatus(ctx, app.ID, model.StatusOffer, nil); err != nil {
		t.Fatalf("UpdateApplicationStatus: %v", err)
	}
	if err := tx.UpdateApplicationStatus(ctx, 9999, model.StatusOffer, nil); err == nil {
		t.Error("update of missing application: got nil error")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	apps, err := st.ListApplications(ctx, 7)
	if err != nil || len(apps) != 1 {
		t.Fatalf("ListApplications: got %d, %v", len(apps), err)
	}
	if apps[0].Status != model.StatusOffer {
		t.Errorf("status: got %s, want offer", apps[0].Status)
	}
	if apps[0].LastEmailAt == nil || !apps[0].LastEmailAt.Equal(emailAt) {
		t.Errorf("last email: got %v, want %v", apps[0].LastEmailAt, emailAt)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	tx, _ := st.Begin(ctx)
	if err := tx.RecordProcessed(ctx, "m1", true); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("second Rollback: got %v, want nil", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalProcessed != 0 || stats.JobRelated != 0 {
		t.Errorf("stats: got %+v, want zero", stats)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	tx, _ := st.Begin(ctx)
	for i := int64(1); i <= 2; i++ {
		if err := tx.EnqueueEvent(ctx, "application.created", i, map[string]any{"run_id": "r1", "n": i}); err != nil {
			t.Fatalf("EnqueueEvent: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	events, err := st.GetPendingEvents(ctx, 10)
	if err != nil || len(events) != 2 {
		t.Fatalf("GetPendingEvents: got %d, %v, want 2", len(events), err)
	}
	if events[0].AggregateType != "application" || events[0].AggregateID == nil || *events[0].AggregateID != 1 {
		t.Errorf("first event: got %+v", events[0])
	}

	if err := st.MarkAsSent(ctx, events[0].ID); err != nil {
		t.Fatalf("MarkAsSent: %v", err)
	}
	if err := st.MarkAsFailed(ctx, events[1].ID, 2); err != nil {
		t.Fatalf("MarkAsFailed: %v", err)
	}

	// 退避未到期
	events, _ = st.GetPendingEvents(ctx, 10)
	if len(events) != 0 {
		t.Errorf("pending during backoff: got %d, want 0", len(events))
	}

	now = now.Add(6 * time.Second)
	events, _ = st.GetPendingEvents(ctx, 10)
	if len(events) != 1 || events[0].RetryCount != 1 {
		t.Fatalf("pending after backoff: got %+v", events)
	}

	if err := st.MarkAsFailed(ctx, events[0].ID, 2); err != nil {
		t.Fatalf("MarkAsFailed: %v", err)
	}
	now = now.Add(time.Minute)
	events, _ = st.GetPendingEvents(ctx, 10)
	if len(events) != 0 {
		t.Errorf("pending after max retries: got %d, want 0", len(events))
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "jobtrail.db")
	st, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
