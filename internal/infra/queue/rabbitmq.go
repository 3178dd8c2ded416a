package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"guild-archive-bot/internal/domain"
	"guild-archive-bot/internal/infra/metrics"
)

// RabbitMessageEvents публикует события о новых сообщениях в очередь RabbitMQ.
type RabbitMessageEvents struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

var _ domain.MessageEvents = (*RabbitMessageEvents)(nil)

// NewRabbitMessageEvents подключается к RabbitMQ и объявляет очередь.
func NewRabbitMessageEvents(url, queue string) (*RabbitMessageEvents, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitMessageEvents{conn: conn, ch: ch, queue: queue}, nil
}

// Publish отправляет заархивированное сообщение наблюдателям.
func (q *RabbitMessageEvents) Publish(ctx context.Context, m domain.SavedMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Timestamp:    time.UnixMilli(m.Timestamp),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close освобождает канал и соединение.
func (q *RabbitMessageEvents) Close() {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
}
