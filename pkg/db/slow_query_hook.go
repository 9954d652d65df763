package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"jobtrail/pkg/metrics"
)

type queryStartKey struct{}

type queryStart struct {
	at  time.Time
	sql string
}

// SlowQueryTracer 慢查询监控 Tracer
type SlowQueryTracer struct {
	logger        *zap.Logger
	slowThreshold time.Duration
}

// NewSlowQueryTracer 创建慢查询 Tracer，阈值为 0 时默认 100ms
func NewSlowQueryTracer(logger *zap.Logger, slowThreshold time.Duration) *SlowQueryTracer {
	if slowThreshold == 0 {
		slowThreshold = 100 * time.Millisecond
	}
	return &SlowQueryTracer{
		logger:        logger,
		slowThreshold: slowThreshold,
	}
}

// TraceQueryStart 查询开始时的钩子
func (t *SlowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

// TraceQueryEnd 查询结束时的钩子
func (t *SlowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}

	took := time.Since(start.at)
	if took <= t.slowThreshold {
		return
	}

	// pgx v5 的 TraceQueryEndData 不包含 SQL，只能从 context 取
	sql := truncateSQL(start.sql)

	t.logger.Warn("slow-query",
		zap.String("sql", sql),
		zap.Duration("took", took),
		zap.String("command_tag", data.CommandTag.String()),
		zap.Error(data.Err),
	)
	metrics.IncrementSlowQuery(sql, took)
}

func truncateSQL(sql string) string {
	if sql == "" {
		return "unknown"
	}
	if len(sql) > 200 {
		return sql[:200] + "..."
	}
	return sql
}
