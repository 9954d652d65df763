package classifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"jobtrail/internal/model"
	"jobtrail/pkg/logger"
	"jobtrail/pkg/metrics"
)

// relatedAttempt 返回 decided=false 表示弃权，交给下一层
type relatedAttempt struct {
	tier string
	run  func(ctx context.Context, msg *model.Message) (related, decided bool)
}

type extractAttempt struct {
	tier string
	run  func(ctx context.Context, msg *model.Message) (result *model.ClassificationResult, decided bool)
}

// Classifier chains the heuristic and the optional model tier. The first
// attempt that decides wins. Failures never escape; they make the attempt
// abstain.
type Classifier struct {
	heuristic *Heuristic
	model     *ModelClassifier
	logger    *zap.Logger

	related []relatedAttempt
	extract []extractAttempt
}

// New builds the chain. mc may be nil, in which case the heuristic is final.
func New(mc *ModelClassifier, logger *zap.Logger) *Classifier {
	c := &Classifier{
		heuristic: NewHeuristic(),
		model:     mc,
		logger:    logger,
	}

	// 关键词命中直接判定；未命中时才让模型补救
	c.related = append(c.related, relatedAttempt{TierHeuristic, c.heuristicRelated})
	if mc != nil {
		c.related = append(c.related, relatedAttempt{TierModel, c.modelRelated})
		c.extract = append(c.extract, extractAttempt{TierModel, c.modelExtract})
	}
	c.extract = append(c.extract, extractAttempt{TierHeuristic, c.heuristicExtract})
	return c
}

// ModelConfigured reports whether the model tier is in the chain.
func (c *Classifier) ModelConfigured() bool {
	return c.model != nil
}

// IsJobRelated decides relatedness; not related when every tier abstains.
func (c *Classifier) IsJobRelated(ctx context.Context, msg *model.Message) bool {
	for _, a := range c.related {
		related, decided := c.safeRelated(ctx, a, msg)
		if decided {
			metrics.IncrementClassification("related", a.tier)
			return related
		}
	}
	metrics.IncrementClassification("related", TierDefault)
	return false
}

// Classify extracts application details for a message already judged
// related. A nil result means no application change.
func (c *Classifier) Classify(ctx context.Context, msg *model.Message) *model.ClassificationResult {
	for _, a := range c.extract {
		result, decided := c.safeExtract(ctx, a, msg)
		if decided {
			metrics.IncrementClassification("extract", a.tier)
			return result
		}
	}
	metrics.IncrementClassification("extract", TierDefault)
	return nil
}

func (c *Classifier) heuristicRelated(_ context.Context, msg *model.Message) (bool, bool) {
	if c.heuristic.IsJobRelated(msg.From, msg.Subject, snippetOf(msg)) {
		return true, true
	}
	return false, false
}

func (c *Classifier) modelRelated(ctx context.Context, msg *model.Message) (bool, bool) {
	related, err := c.model.IsJobRelated(ctx, msg.From, msg.Subject, snippetOf(msg))
	if err != nil {
		logger.WithTrace(ctx, c.logger).Warn("Model relatedness check failed, using keyword result",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return false, false
	}
	return related, true
}

func (c *Classifier) modelExtract(ctx context.Context, msg *model.Message) (*model.ClassificationResult, bool) {
	result, err := c.model.Classify(ctx, msg.From, msg.Subject, msg.Body)
	if err != nil {
		logger.WithTrace(ctx, c.logger).Warn("Model extraction failed, using keyword fallback",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil, false
	}
	// result 为 nil 表示模型判定不是求职邮件，覆盖关键词判断
	return result, true
}

func (c *Classifier) heuristicExtract(_ context.Context, msg *model.Message) (*model.ClassificationResult, bool) {
	return c.heuristic.Classify(msg.From, msg.Subject, msg.Body), true
}

func (c *Classifier) safeRelated(ctx context.Context, a relatedAttempt, msg *model.Message) (related, decided bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic(ctx, a.tier, msg, r)
			related, decided = false, false
		}
	}()
	return a.run(ctx, msg)
}

func (c *Classifier) safeExtract(ctx context.Context, a extractAttempt, msg *model.Message) (result *model.ClassificationResult, decided bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic(ctx, a.tier, msg, r)
			result, decided = nil, false
		}
	}()
	return a.run(ctx, msg)
}

func (c *Classifier) logPanic(ctx context.Context, tier string, msg *model.Message, r any) {
	logger.WithTrace(ctx, c.logger).Error("Classifier tier panicked",
		zap.String("tier", tier),
		zap.String("message_id", msg.ID),
		zap.String("panic", fmt.Sprint(r)),
	)
}

func snippetOf(msg *model.Message) string {
	if msg.Snippet != "" {
		return msg.Snippet
	}
	return truncate(msg.Body, snippetLen)
}
