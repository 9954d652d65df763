package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 同步任务次数
	SyncRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_run_count",
			Help: "Total number of inbox sync runs",
		},
		[]string{"result"}, // result: ok, timeout, config_error, failed
	)

	// 同步任务耗时（秒）
	SyncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Inbox sync run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
	)

	// 邮件处理计数
	MessageProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_processed_count",
			Help: "Total number of inbox messages handled by the reconciler",
		},
		[]string{"outcome"}, // outcome: skipped, unrelated, created, updated, unchanged, empty, fetch_failed
	)

	// 分类层级命中计数
	ClassificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classification_count",
			Help: "Classification decisions by stage and tier",
		},
		[]string{"stage", "tier"}, // stage: related, extract; tier: heuristic, model, default
	)

	// 模型调用延迟（毫秒）
	ModelCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_call_latency_ms",
			Help:    "Language model call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"purpose", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Number of database queries slower than the configured threshold",
		},
		[]string{"sql"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"sql"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

// RecordSyncRun 记录一次同步任务
func RecordSyncRun(result string, duration time.Duration) {
	SyncRunCount.WithLabelValues(result).Inc()
	SyncRunDuration.Observe(duration.Seconds())
}

// IncrementMessageProcessed 增加邮件处理计数
func IncrementMessageProcessed(outcome string) {
	MessageProcessedCount.WithLabelValues(outcome).Inc()
}

// IncrementClassification 记录分类由哪一层决定
func IncrementClassification(stage, tier string) {
	ClassificationCount.WithLabelValues(stage, tier).Inc()
}

// RecordModelCallLatency 记录模型调用延迟
func RecordModelCallLatency(purpose, status string, duration time.Duration) {
	ModelCallLatency.WithLabelValues(purpose, status).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	DBQueryDuration.WithLabelValues(sql).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
