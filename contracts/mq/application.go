package mq

import "time"

// 事件 routing key
const (
	RoutingApplicationCreated       = "application.created"
	RoutingApplicationStatusChanged = "application.status_changed"
)

// ApplicationCreatedPayload 邮件同步新建求职申请
type ApplicationCreatedPayload struct {
	RunID         string    `json:"run_id"`
	UserID        int64     `json:"user_id"`
	ApplicationID int64     `json:"application_id"`
	Company       string    `json:"company"`
	JobTitle      string    `json:"job_title"`
	Status        string    `json:"status"`
	MessageID     string    `json:"message_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ApplicationStatusChangedPayload 邮件同步更新了申请状态
type ApplicationStatusChangedPayload struct {
	RunID         string    `json:"run_id"`
	UserID        int64     `json:"user_id"`
	ApplicationID int64     `json:"application_id"`
	Company       string    `json:"company"`
	OldStatus     string    `json:"old_status"`
	NewStatus     string    `json:"new_status"`
	MessageID     string    `json:"message_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}
