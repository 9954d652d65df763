package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	mqcontracts "jobtrail/contracts/mq"
	"jobtrail/internal/mailsource"
	"jobtrail/internal/model"
	"jobtrail/pkg/logger"
	"jobtrail/pkg/metrics"
	"jobtrail/pkg/trace"
)

var (
	// ErrSourceNotConfigured 没有可用的邮件源
	ErrSourceNotConfigured = errors.New("mail source not configured")
	// ErrAuthFailed 邮件源认证失败
	ErrAuthFailed = errors.New("mail source authentication failed")
)

// Classifier is the two-stage classification facade.
type Classifier interface {
	IsJobRelated(ctx context.Context, msg *model.Message) bool
	Classify(ctx context.Context, msg *model.Message) *model.ClassificationResult
}

// RunResult holds the counters of one run. Fetched, Created and Updated are
// the user-facing numbers; the rest feed logs and metrics.
type RunResult struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`

	Skipped    int  `json:"-"`
	JobRelated int  `json:"-"`
	Failed     int  `json:"-"`
	TimedOut   bool `json:"-"`
}

// Options tunes a Service.
type Options struct {
	// MaxResults caps the listing per label; 0 leaves it to the source.
	MaxResults int
	// Labels overrides the source's configured labels.
	Labels []string
}

// Service runs inbox syncs. Runs for the same user must be serialized by
// the caller.
type Service struct {
	source     mailsource.Source
	classifier Classifier
	store      Store
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
}

func NewService(source mailsource.Source, classifier Classifier, store Store, logger *zap.Logger, opts Options) *Service {
	return &Service{
		source:     source,
		classifier: classifier,
		store:      store,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// SourceConfigured reports whether the mail source has credentials.
func (s *Service) SourceConfigured() bool {
	return s.source.IsConfigured()
}

// Stats returns ledger totals.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// Run syncs the last lookbackHours of mail for userID. All writes of the run
// share one transaction. When ctx expires the message in progress is
// finished, the remaining messages are left for the next run and the work
// done so far is committed.
func (s *Service) Run(ctx context.Context, userID int64, lookbackHours int) (result *RunResult, err error) {
	ctx, runID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, s.logger).With(zap.Int64("user_id", userID))
	start := time.Now()

	defer func() {
		metrics.RecordSyncRun(runOutcome(result, err), time.Since(start))
	}()

	if !s.source.IsConfigured() {
		return nil, ErrSourceNotConfigured
	}
	if err := s.source.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	refs, err := s.source.FetchMessageIDs(ctx, lookbackHours, s.opts.MaxResults, s.opts.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	result = &RunResult{Fetched: len(refs)}
	log.Info("Sync started",
		zap.String("source", s.source.Name()),
		zap.Int("lookback_hours", lookbackHours),
		zap.Int("fetched", len(refs)),
	)

	// 数据库操作不受运行超时影响，超时只在消息之间检查
	dbCtx := context.WithoutCancel(ctx)
	tx, err := s.store.Begin(dbCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(dbCtx); rbErr != nil {
				log.Error("Rollback failed", zap.Error(rbErr))
			}
		}
	}()

	for _, ref := range refs {
		if ctx.Err() != nil {
			result.TimedOut = true
			log.Warn("Sync deadline reached, committing partial batch", zap.Error(ctx.Err()))
			break
		}
		if err := s.processMessage(ctx, dbCtx, tx, userID, runID, ref, result); err != nil {
			return nil, fmt.Errorf("message %s: %w", ref.ID, err)
		}
	}

	commitCtx, cancel := context.WithTimeout(dbCtx, 10*time.Second)
	defer cancel()
	if err := tx.Commit(commitCtx); err != nil {
		return nil, fmt.Errorf("failed to commit sync: %w", err)
	}
	committed = true

	log.Info("Sync finished",
		zap.Int("fetched", result.Fetched),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("job_related", result.JobRelated),
		zap.Int("failed", result.Failed),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// processMessage returns only store errors; everything else is absorbed
// into the counters.
func (s *Service) processMessage(ctx, dbCtx context.Context, tx Tx, userID int64, runID string, ref model.MessageRef, result *RunResult) error {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("message_id", ref.ID))

	seen, err := tx.HasProcessed(dbCtx, ref.ID)
	if err != nil {
		return err
	}
	if seen {
		result.Skipped++
		metrics.IncrementMessageProcessed("skipped")
		return nil
	}

	msg, err := s.source.FetchContent(ctx, ref.ID)
	if err != nil {
		// 不记录到 ledger，下次运行重试
		result.Failed++
		metrics.IncrementMessageProcessed("fetch_failed")
		log.Warn("Failed to fetch message content", zap.Error(err))
		return nil
	}
	if msg == nil {
		metrics.IncrementMessageProcessed("empty")
		log.Debug("Message content unavailable")
		return nil
	}
	if msg.ThreadID == "" {
		msg.ThreadID = ref.ThreadID
	}

	// 运行超时只在消息之间生效；模型调用由客户端自身的超时和重试次数限制
	clsCtx := context.WithoutCancel(ctx)
	related := s.classifier.IsJobRelated(clsCtx, msg)
	if err := tx.RecordProcessed(dbCtx, ref.ID, related); err != nil {
		return err
	}
	if !related {
		metrics.IncrementMessageProcessed("unrelated")
		return nil
	}
	result.JobRelated++

	cls := s.classifier.Classify(clsCtx, msg)
	if cls == nil {
		metrics.IncrementMessageProcessed("no_result")
		return nil
	}

	status := model.ParseStatus(cls.Status)
	emailAt := s.now()
	if msg.Date != nil {
		emailAt = *msg.Date
	}

	var existing *model.Application
	if msg.ThreadID != "" {
		existing, err = tx.FindApplicationByThread(dbCtx, userID, msg.ThreadID)
		if err != nil {
			return err
		}
	}

	if existing == nil {
		return s.create(dbCtx, tx, userID, runID, msg, cls, status, emailAt, result, log)
	}

	if existing.Status == status {
		metrics.IncrementMessageProcessed("unchanged")
		return nil
	}

	// 同一线程被用于其他职位时可能误更新，只记录告警
	if cls.Tier == model.TierModel && cls.Company != model.Unknown && !strings.EqualFold(existing.Company, cls.Company) {
		log.Warn("Thread matched an application for a different company",
			zap.Int64("application_id", existing.ID),
			zap.String("stored_company", existing.Company),
			zap.String("extracted_company", cls.Company),
		)
	}
	return s.update(dbCtx, tx, userID, runID, msg, existing, status, emailAt, result, log)
}

func (s *Service) create(ctx context.Context, tx Tx, userID int64, runID string, msg *model.Message, cls *model.ClassificationResult, status model.Status, emailAt time.Time, result *RunResult, log *zap.Logger) error {
	app := &model.Application{
		UserID:      userID,
		Company:     orUnknown(cls.Company),
		JobTitle:    orUnknown(cls.JobTitle),
		Location:    orUnknown(cls.Location),
		Status:      status,
		LastEmailAt: &emailAt,
		AppliedAt:   emailAt,
	}
	if msg.ThreadID != "" {
		thread := msg.ThreadID
		app.EmailThreadID = &thread
	}
	if err := tx.CreateApplication(ctx, app); err != nil {
		return err
	}
	if err := tx.AppendStatusChange(ctx, &model.StatusChange{
		ApplicationID: app.ID,
		NewStatus:     status,
		Source:        model.SourceEmail,
		ChangedAt:     s.now(),
	}); err != nil {
		return err
	}
	if err := tx.EnqueueEvent(ctx, mqcontracts.RoutingApplicationCreated, app.ID, mqcontracts.ApplicationCreatedPayload{
		RunID:         runID,
		UserID:        userID,
		ApplicationID: app.ID,
		Company:       app.Company,
		JobTitle:      app.JobTitle,
		Status:        string(status),
		MessageID:     msg.ID,
		OccurredAt:    s.now(),
	}); err != nil {
		return err
	}

	result.Created++
	metrics.IncrementMessageProcessed("created")
	log.Info("Application created",
		zap.Int64("application_id", app.ID),
		zap.String("company", app.Company),
		zap.String("status", string(status)),
	)
	return nil
}

func (s *Service) update(ctx context.Context, tx Tx, userID int64, runID string, msg *model.Message, app *model.Application, status model.Status, emailAt time.Time, result *RunResult, log *zap.Logger) error {
	old := app.Status
	if err := tx.UpdateApplicationStatus(ctx, app.ID, status, &emailAt); err != nil {
		return err
	}
	if err := tx.AppendStatusChange(ctx, &model.StatusChange{
		ApplicationID: app.ID,
		OldStatus:     &old,
		NewStatus:     status,
		Source:        model.SourceEmail,
		ChangedAt:     s.now(),
	}); err != nil {
		return err
	}
	if err := tx.EnqueueEvent(ctx, mqcontracts.RoutingApplicationStatusChanged, app.ID, mqcontracts.ApplicationStatusChangedPayload{
		RunID:         runID,
		UserID:        userID,
		ApplicationID: app.ID,
		Company:       app.Company,
		OldStatus:     string(old),
		NewStatus:     string(status),
		MessageID:     msg.ID,
		OccurredAt:    s.now(),
	}); err != nil {
		return err
	}

	result.Updated++
	metrics.IncrementMessageProcessed("updated")
	log.Info("Application status changed",
		zap.Int64("application_id", app.ID),
		zap.String("old_status", string(old)),
		zap.String("new_status", string(status)),
	)
	return nil
}

func runOutcome(result *RunResult, err error) string {
	switch {
	case errors.Is(err, ErrSourceNotConfigured), errors.Is(err, ErrAuthFailed):
		return "config_error"
	case err != nil:
		return "failed"
	case result != nil && result.TimedOut:
		return "timeout"
	}
	return "ok"
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return model.Unknown
	}
	return s
}
