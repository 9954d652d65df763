package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"jobtrail/pkg/trace"
)

type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	// amqp channel 不是并发安全的
	mu sync.Mutex
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: ch,
	}, nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected checks if the publisher connection is still alive
func (p *Publisher) IsConnected() bool {
	if p == nil || p.conn == nil || p.channel == nil {
		return false
	}
	return !p.conn.IsClosed()
}

// PublishRaw publishes an already-encoded JSON body. The run id from ctx, if
// any, travels in the message headers.
func (p *Publisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
	}
	if runID := trace.FromContext(ctx); runID != "" {
		msg.Headers = amqp091.Table{"run_id": runID}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, ExchangeName, routingKey, false, false, msg)
}

// Publish publishes an event to the exchange with the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, routingKey, body)
}
