package logger

import (
	"context"

	"go.uber.org/zap"

	"jobtrail/pkg/trace"
)

var Log *zap.Logger

// NewLogger 创建全局 logger；local 环境使用可读的开发格式
func NewLogger(env string) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if env == "local" {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	Log = l
	return l
}

// WithTrace 从 context 中提取 run_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if runID := trace.FromContext(ctx); runID != "" {
		return logger.With(zap.String("run_id", runID))
	}
	return logger
}
