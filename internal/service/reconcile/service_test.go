package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	mqcontracts "jobtrail/contracts/mq"
	"jobtrail/internal/classifier"
	"jobtrail/internal/model"
	"jobtrail/internal/repository/sqlite"
	"jobtrail/internal/service/reconcile"
)

type fakeSource struct {
	mu         sync.Mutex
	configured bool
	authErr    error
	messages   []*model.Message
	fetchErr   map[string]error
	fetched    []string
	// afterFetch 在每次 FetchContent 之后调用
	afterFetch func(id string)
}

func newFakeSource(msgs ...*model.Message) *fakeSource {
	return &fakeSource{configured: true, messages: msgs, fetchErr: map[string]error{}}
}

func (f *fakeSource) Name() string       { return "fake" }
func (f *fakeSource) IsConfigured() bool { return f.configured }

func (f *fakeSource) Authenticate(context.Context) error { return f.authErr }

func (f *fakeSource) FetchMessageIDs(context.Context, int, int, []string) ([]model.MessageRef, error) {
	refs := make([]model.MessageRef, 0, len(f.messages))
	for _, m := range f.messages {
		refs = append(refs, model.MessageRef{ID: m.ID, ThreadID: m.ThreadID})
	}
	return refs, nil
}

func (f *fakeSource) FetchContent(_ context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, id)
	f.mu.Unlock()
	if f.afterFetch != nil {
		defer f.afterFetch(id)
	}
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	for _, m := range f.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSource) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.fetched {
		if got == id {
			n++
		}
	}
	return n
}

// countingStore 统计每个 message id 的 RecordProcessed 次数，并可注入写失败
type countingStore struct {
	*sqlite.Store
	mu         sync.Mutex
	recorded   map[string]int
	failCreate int // 第 N 次 CreateApplication 失败，0 表示不失败
	creates    int
}

func (s *countingStore) Begin(ctx context.Context) (reconcile.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &countingTx{Tx: tx, store: s}, nil
}

type countingTx struct {
	reconcile.Tx
	store *countingStore
}

func (t *countingTx) RecordProcessed(ctx context.Context, id string, related bool) error {
	t.store.mu.Lock()
	t.store.recorded[id]++
	t.store.mu.Unlock()
	return t.Tx.RecordProcessed(ctx, id, related)
}

func (t *countingTx) CreateApplication(ctx context.Context, app *model.Application) error {
	t.store.mu.Lock()
	t.store.creates++
	fail := t.store.failCreate > 0 && t.store.creates == t.store.failCreate
	t.store.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return t.Tx.CreateApplication(ctx, app)
}

func newStore(t *testing.T) *countingStore {
	t.Helper()
	st, err := sqlite.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return &countingStore{Store: st, recorded: map[string]int{}}
}

func newService(src *fakeSource, cls reconcile.Classifier, st *countingStore) *reconcile.Service {
	if cls == nil {
		cls = classifier.New(nil, zap.NewNop())
	}
	return reconcile.NewService(src, cls, st, zap.NewNop(), reconcile.Options{MaxResults: 100})
}

func date(day int) *time.Time {
	d := time.Date(2024, 3, day, 9, 0, 0, 0, time.UTC)
	return &d
}

var (
	applyConfirmation = &model.Message{
		ID: "m-apply", From: "careers@acme.com",
		Subject: "Thank you for applying to Acme",
		Body:    "We received your application for the Backend Engineer role.",
		Date:    date(1),
	}
	newsletter = &model.Message{
		ID: "m-news", From: "deals@store.com",
		Subject: "Spring sale", Body: "Everything must go", Date: date(1),
	}
)

func threaded(m *model.Message, thread string) *model.Message {
	cp := *m
	cp.ThreadID = thread
	return &cp
}

func TestScenarioANewApplicationWithoutThread(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	svc := newService(newFakeSource(applyConfirmation), nil, st)

	res, err := svc.Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Fetched != 1 || res.Created != 1 || res.Updated != 0 {
		t.Errorf("counters: got %+v, want fetched=1 created=1 updated=0", *res)
	}

	apps, err := st.ListApplications(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListApplications: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("applications: got %d, want 1", len(apps))
	}
	app := apps[0]
	if app.Company != "Acme" || app.Status != model.StatusApplied || app.EmailThreadID != nil {
		t.Errorf("application: got company=%q status=%s thread=%v", app.Company, app.Status, app.EmailThreadID)
	}
	if app.JobTitle != model.Unknown {
		t.Errorf("job title: got %q, want Unknown", app.JobTitle)
	}
	if app.LastEmailAt == nil || !app.LastEmailAt.Equal(*applyConfirmation.Date) {
		t.Errorf("last email: got %v, want %v", app.LastEmailAt, applyConfirmation.Date)
	}

	changes, err := st.ListStatusChanges(context.Background(), app.ID)
	if err != nil {
		t.Fatalf("ListStatusChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].OldStatus != nil || changes[0].NewStatus != model.StatusApplied || changes[0].Source != model.SourceEmail {
		t.Errorf("status changes: got %+v, want one null->applied", changes)
	}
}

func TestScenarioBThreadUpdate(t *testing.T) {
	t.Parallel()
	st := newStore(t)

	first := newFakeSource(threaded(applyConfirmation, "thread-1"))
	if _, err := newService(first, nil, st).Run(context.Background(), 1, 24); err != nil {
		t.Fatalf("first run: %v", err)
	}

	invite := &model.Message{
		ID: "m-invite", ThreadID: "thread-1", From: "Jane Recruiter <jane@acme.com>",
		Subject: "Interview invitation", Body: "Please pick a time that works for you.", Date: date(5),
	}
	res, err := newService(newFakeSource(invite), nil, st).Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Created != 0 || res.Updated != 1 {
		t.Errorf("counters: got %+v, want created=0 updated=1", *res)
	}

	apps, _ := st.ListApplications(context.Background(), 1)
	if len(apps) != 1 {
		t.Fatalf("applications: got %d, want 1", len(apps))
	}
	if apps[0].Status != model.StatusInterviewing {
		t.Errorf("status: got %s, want interviewing", apps[0].Status)
	}
	if apps[0].LastEmailAt == nil || !apps[0].LastEmailAt.Equal(*invite.Date) {
		t.Errorf("last email: got %v, want %v", apps[0].LastEmailAt, invite.Date)
	}

	changes, _ := st.ListStatusChanges(context.Background(), apps[0].ID)
	if len(changes) != 2 {
		t.Fatalf("status changes: got %d, want 2", len(changes))
	}
	if changes[1].OldStatus == nil || *changes[1].OldStatus != model.StatusApplied || changes[1].NewStatus != model.StatusInterviewing {
		t.Errorf("second change: got %+v, want applied->interviewing", changes[1])
	}
}

func TestScenarioCAlreadyProcessedIsSkipped(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	src := newFakeSource(threaded(applyConfirmation, "thread-1"), newsletter)
	svc := newService(src, nil, st)

	if _, err := svc.Run(context.Background(), 1, 24); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := svc.Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if res.Fetched != 2 || res.Created != 0 || res.Updated != 0 || res.Skipped != 2 {
		t.Errorf("counters: got %+v, want fetched=2 skipped=2 and no changes", *res)
	}
	for _, id := range []string{applyConfirmation.ID, newsletter.ID} {
		if n := src.fetchCount(id); n != 1 {
			t.Errorf("content fetches for %s: got %d, want 1", id, n)
		}
	}

	apps, _ := st.ListApplications(context.Background(), 1)
	if len(apps) != 1 {
		t.Errorf("applications after rerun: got %d, want 1", len(apps))
	}
	changes, _ := st.ListStatusChanges(context.Background(), apps[0].ID)
	if len(changes) != 1 {
		t.Errorf("status changes after rerun: got %d, want 1", len(changes))
	}
}

func TestLedgerRecordsEachMessageOnce(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	invite := &model.Message{
		ID: "m-invite", ThreadID: "thread-1", From: "jane@acme.com",
		Subject: "Interview invitation", Body: "Let us talk.", Date: date(2),
	}
	src := newFakeSource(threaded(applyConfirmation, "thread-1"), newsletter, invite)
	svc := newService(src, nil, st)

	for i := 0; i < 3; i++ {
		if _, err := svc.Run(context.Background(), 1, 24); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	for _, id := range []string{applyConfirmation.ID, newsletter.ID, invite.ID} {
		if n := st.recorded[id]; n != 1 {
			t.Errorf("RecordProcessed(%s): got %d calls, want 1", id, n)
		}
	}
	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalProcessed != 3 || stats.JobRelated != 2 {
		t.Errorf("stats: got %+v, want total=3 job_related=2", stats)
	}
}

func TestSameThreadWithinOneRun(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	invite := &model.Message{
		ID: "m-invite", ThreadID: "thread-1", From: "jane@acme.com",
		Subject: "Interview invitation", Body: "Let us talk.", Date: date(2),
	}
	res, err := newService(newFakeSource(threaded(applyConfirmation, "thread-1"), invite), nil, st).Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 1 || res.Updated != 1 {
		t.Errorf("counters: got %+v, want created=1 updated=1", *res)
	}

	events, err := st.GetPendingEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetPendingEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("outbox events: got %d, want 2", len(events))
	}
	if events[0].RoutingKey != mqcontracts.RoutingApplicationCreated || events[1].RoutingKey != mqcontracts.RoutingApplicationStatusChanged {
		t.Errorf("routing keys: got %s, %s", events[0].RoutingKey, events[1].RoutingKey)
	}
}

func TestMessagesWithoutThreadAlwaysCreate(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	second := *applyConfirmation
	second.ID = "m-apply-2"

	res, err := newService(newFakeSource(applyConfirmation, &second), nil, st).Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("created: got %d, want 2", res.Created)
	}
}

type failingCompleter struct{}

func (failingCompleter) Complete(context.Context, string, string, int) (string, error) {
	return "", errors.New("rate limited")
}

func TestScenarioDModelFailureFallsBackToHeuristic(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	cls := classifier.New(classifier.NewModelClassifier(failingCompleter{}, nil), zap.NewNop())

	res, err := newService(newFakeSource(applyConfirmation), cls, st).Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("created: got %d, want 1", res.Created)
	}
	apps, _ := st.ListApplications(context.Background(), 1)
	if apps[0].Company != "Acme" || apps[0].Status != model.StatusApplied {
		t.Errorf("application: got %s/%s, want Acme/applied", apps[0].Company, apps[0].Status)
	}
}

type stubClassifier struct {
	result *model.ClassificationResult
}

func (stubClassifier) IsJobRelated(context.Context, *model.Message) bool { return true }

func (s stubClassifier) Classify(context.Context, *model.Message) *model.ClassificationResult {
	return s.result
}

func TestUnknownStatusMapsToApplied(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"on hold", "", "ACCEPTED"} {
		st := newStore(t)
		cls := stubClassifier{result: &model.ClassificationResult{Company: "Initech", Status: raw, Tier: model.TierModel}}
		if _, err := newService(newFakeSource(newsletter), cls, st).Run(context.Background(), 1, 24); err != nil {
			t.Fatalf("Run(%q): %v", raw, err)
		}
		apps, _ := st.ListApplications(context.Background(), 1)
		if len(apps) != 1 || apps[0].Status != model.StatusApplied {
			t.Errorf("status %q: got %+v, want applied", raw, apps)
		}
	}
}

func TestEmptyClassificationChangesNothing(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	res, err := newService(newFakeSource(newsletter), stubClassifier{}, st).Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 0 || res.JobRelated != 1 {
		t.Errorf("counters: got %+v", *res)
	}
	if st.recorded[newsletter.ID] != 1 {
		t.Error("message must still be marked processed")
	}
}

func TestConfigurationErrors(t *testing.T) {
	t.Parallel()
	st := newStore(t)

	src := newFakeSource(applyConfirmation)
	src.configured = false
	if _, err := newService(src, nil, st).Run(context.Background(), 1, 24); !errors.Is(err, reconcile.ErrSourceNotConfigured) {
		t.Errorf("unconfigured: got %v, want ErrSourceNotConfigured", err)
	}

	src = newFakeSource(applyConfirmation)
	src.authErr = errors.New("token revoked")
	if _, err := newService(src, nil, st).Run(context.Background(), 1, 24); !errors.Is(err, reconcile.ErrAuthFailed) {
		t.Errorf("auth: got %v, want ErrAuthFailed", err)
	}
	if n := src.fetchCount(applyConfirmation.ID); n != 0 {
		t.Errorf("fetches after auth failure: got %d, want 0", n)
	}
}

func TestFetchErrorLeavesMessageForNextRun(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	src := newFakeSource(applyConfirmation)
	src.fetchErr[applyConfirmation.ID] = errors.New("503")
	svc := newService(src, nil, st)

	res, err := svc.Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 1 || res.Created != 0 {
		t.Errorf("counters: got %+v, want failed=1 created=0", *res)
	}
	if st.recorded[applyConfirmation.ID] != 0 {
		t.Error("failed fetch must not be recorded")
	}

	delete(src.fetchErr, applyConfirmation.ID)
	res, err = svc.Run(context.Background(), 1, 24)
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("retry created: got %d, want 1", res.Created)
	}
}

func TestDeadlineCommitsPartialBatch(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	second := *applyConfirmation
	second.ID = "m-apply-2"
	src := newFakeSource(applyConfirmation, &second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.afterFetch = func(string) { cancel() }

	res, err := newService(src, nil, st).Run(ctx, 1, 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut || res.Created != 1 {
		t.Errorf("counters: got %+v, want timed out with created=1", *res)
	}
	if n := src.fetchCount(second.ID); n != 0 {
		t.Errorf("second message fetched %d times, want 0", n)
	}

	stats, _ := st.Stats(context.Background())
	if stats.TotalProcessed != 1 {
		t.Errorf("processed after partial run: got %d, want 1", stats.TotalProcessed)
	}
}

// slowCompleter answers only after the run deadline has passed, and fails if
// the deadline reached its own context.
type slowCompleter struct {
	runCtx context.Context
}

func (c slowCompleter) Complete(ctx context.Context, _, _ string, maxTokens int) (string, error) {
	<-c.runCtx.Done()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if maxTokens <= 10 {
		return "Yes", nil
	}
	return "Company: Initech\nJob Title: Engineer\nLocation: Remote\nStatus: Applied", nil
}

func TestDeadlineDuringModelCallFinishesMessage(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	// 关键词分类不会命中，只能由模型判定
	first := &model.Message{
		ID: "m-1", From: "Peter Gibbons <peter@initech.io>",
		Subject: "Quick question", Body: "Are you free on Thursday?", Date: date(3),
	}
	second := *first
	second.ID = "m-2"
	src := newFakeSource(first, &second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cls := classifier.New(classifier.NewModelClassifier(slowCompleter{runCtx: ctx}, nil), zap.NewNop())

	res, err := newService(src, cls, st).Run(ctx, 1, 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut || res.JobRelated != 1 || res.Created != 1 {
		t.Errorf("counters: got %+v, want timed out with job_related=1 created=1", *res)
	}
	if n := src.fetchCount(second.ID); n != 0 {
		t.Errorf("second message fetched %d times, want 0", n)
	}

	stats, _ := st.Stats(context.Background())
	if stats.TotalProcessed != 1 || stats.JobRelated != 1 {
		t.Errorf("ledger: got %+v, want total=1 job_related=1", stats)
	}
	apps, _ := st.ListApplications(context.Background(), 1)
	if len(apps) != 1 || apps[0].Company != "Initech" {
		t.Errorf("applications: got %+v, want one Initech application", apps)
	}
}

func TestStoreErrorRollsBackRun(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	st.failCreate = 2
	second := *applyConfirmation
	second.ID = "m-apply-2"

	_, err := newService(newFakeSource(applyConfirmation, newsletter, &second), nil, st).Run(context.Background(), 1, 24)
	if err == nil {
		t.Fatal("Run: got nil error, want store failure")
	}

	stats, _ := st.Stats(context.Background())
	if stats.TotalProcessed != 0 {
		t.Errorf("processed after rollback: got %d, want 0", stats.TotalProcessed)
	}
	apps, _ := st.ListApplications(context.Background(), 1)
	if len(apps) != 0 {
		t.Errorf("applications after rollback: got %d, want 0", len(apps))
	}
}
