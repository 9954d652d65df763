package classifier

import (
	"go.uber.org/zap"

	"jobtrail/internal/llm"
	"jobtrail/pkg/circuitbreaker"
	"jobtrail/pkg/config"
)

// FromConfig 未配置 API key 时只使用关键词分类
func FromConfig(cfg config.LLMConfig, logger *zap.Logger) *Classifier {
	client := llm.NewClient(cfg, logger)
	if client == nil {
		logger.Info("No model API key configured, using keyword classifier only")
		return New(nil, logger)
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("Model circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return New(NewModelClassifier(client, circuitbreaker.NewCircuitBreaker(breakerCfg)), logger)
}
