package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event 表示一个待发布的事件
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   *int64
	RoutingKey    string
	Payload       json.RawMessage
	Status        string
	RetryCount    int
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Repository 提供 Outbox 操作
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository 创建新的 Outbox Repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InsertEvent 在事务中插入事件到 outbox
// 必须在事务中调用，确保与业务数据的一致性
func (r *Repository) InsertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, routing_key, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := tx.QueryRow(ctx, query,
		event.AggregateType,
		event.AggregateID,
		event.RoutingKey,
		event.Payload,
		event.Status,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

// Enqueue 编码 payload 并在业务事务中写入一条 pending 事件
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, aggregateType string, aggregateID int64, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return r.InsertEvent(ctx, tx, &Event{
		AggregateType: aggregateType,
		AggregateID:   &aggregateID,
		RoutingKey:    routingKey,
		Payload:       body,
		Status:        "pending",
	})
}

// GetPendingEvents 获取待发送的事件（用于 Dispatcher）
func (r *Repository) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, routing_key, payload, status,
		       retry_count, next_retry_at, created_at, updated_at
		FROM outbox_events
		WHERE status = 'pending'
		AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ID,
			&e.AggregateType,
			&e.AggregateID,
			&e.RoutingKey,
			&e.Payload,
			&e.Status,
			&e.RetryCount,
			&e.NextRetryAt,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

// MarkAsSent 标记事件为已发送
func (r *Repository) MarkAsSent(ctx context.Context, eventID int64) error {
	query := `
		UPDATE outbox_events
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, eventID); err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkAsFailed 增加重试次数；达到 maxRetries 后标记为 failed 不再重试
// 退避：5s, 10s, 15s...
func (r *Repository) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		    next_retry_at = CASE WHEN retry_count + 1 >= $2 THEN NULL
		                         ELSE NOW() + (retry_count + 1) * INTERVAL '5 seconds' END,
		    updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, eventID, maxRetries); err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}
