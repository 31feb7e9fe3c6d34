package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPDispatcher publishes notifications to a durable queue with publisher
// confirms. Consumers that reject a message send it to "<queue>.dlq".
type AMQPDispatcher struct {
	ch       *amqp.Channel
	queue    string
	confirms chan amqp.Confirmation
	mu       sync.Mutex
	logger   zerolog.Logger
}

// DialAMQP connects to the broker at url.
func DialAMQP(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// NewAMQPDispatcher declares the queue and its dead-letter queue and puts
// the channel into confirm mode.
func NewAMQPDispatcher(conn *amqp.Connection, queue string, logger zerolog.Logger) (*AMQPDispatcher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	return &AMQPDispatcher{
		ch:       ch,
		queue:    queue,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		logger:   logger.With().Str("component", "notification-amqp").Logger(),
	}, nil
}

// Dispatch publishes n persistently and waits for the broker's confirm.
func (d *AMQPDispatcher) Dispatch(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    n.ID,
		Type:         string(n.Event),
		Timestamp:    n.CreatedAt,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if err := d.ch.PublishWithContext(ctx, "", d.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", d.queue, err)
	}

	select {
	case c, ok := <-d.confirms:
		if !ok {
			return fmt.Errorf("publish to %s: channel closed before confirm", d.queue)
		}
		if !c.Ack {
			return fmt.Errorf("publish to %s: broker nacked delivery %d", d.queue, c.DeliveryTag)
		}
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", d.queue, ctx.Err())
	}
	d.logger.Debug().Str("notification_id", n.ID).Str("event", string(n.Event)).Msg("published")
	return nil
}

func (d *AMQPDispatcher) Close() error {
	return d.ch.Close()
}
