// Package notify отправляет события-триггеры уведомлений в RabbitMQ.
// Ядро не знает о каналах доставки и рендеринге сообщений: потребитель
// очереди сам решает, как и куда доставлять.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

const queue = "notifications"

// Publisher публикует события уведомлений в очередь RabbitMQ.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher подключается к RabbitMQ с экспоненциальным бэкоффом
// и объявляет очередь уведомлений.
func NewPublisher(ctx context.Context, url string) (*Publisher, error) {
	var conn *amqp.Connection

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &Publisher{conn: conn, ch: ch}, nil
}

// Close закрывает канал и соединение с RabbitMQ.
func (p *Publisher) Close() {
	p.ch.Close()
	p.conn.Close()
}

type event struct {
	Event    string            `json:"event"`
	MemberID string            `json:"member_id"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// Emit публикует событие уведомления. Повторяет публикацию с бэкоффом
// при временных сбоях брокера.
func (p *Publisher) Emit(ctx context.Context, name string, vars map[string]string, memberID string) error {
	body, err := json.Marshal(event{Event: name, MemberID: memberID, Vars: vars})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := p.ch.PublishWithContext(ctx,
			"",    // exchange
			queue, // routing key
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
			})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
