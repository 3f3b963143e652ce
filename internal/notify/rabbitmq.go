package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"lora-trainer/internal/models"
)

// EventModelTrained is the event type of a trained model notification
const EventModelTrained = "model.trained"

// TrainedEvent is the message body published after a training run
type TrainedEvent struct {
	ID         string                     `json:"id"`
	Event      string                     `json:"event"`
	OccurredAt time.Time                  `json:"occurred_at"`
	Model      *models.TrainedModelRecord `json:"model"`
}

// channel is the subset of *amqp.Channel used for publishing
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitNotifier publishes trained model events to a durable queue
type RabbitNotifier struct {
	conn        *amqp.Connection
	openChannel func() (channel, error)
	queueName   string
	now         func() time.Time
}

// Dial connects to the broker at url and checks that a channel can be opened
func Dial(ctx context.Context, url, queueName string) (*RabbitNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		ch, err := conn.Channel()
		if err == nil {
			_ = ch.Close()
		}
		done <- err
	}()

	select {
	case <-checkCtx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq health check timeout: %w", checkCtx.Err())
	case err := <-done:
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
		}
	}

	n := newRabbitNotifier(func() (channel, error) { return conn.Channel() }, queueName)
	n.conn = conn
	return n, nil
}

func newRabbitNotifier(open func() (channel, error), queueName string) *RabbitNotifier {
	return &RabbitNotifier{
		openChannel: open,
		queueName:   queueName,
		now:         time.Now,
	}
}

// NotifyTrained publishes rec as a persistent JSON message
func (n *RabbitNotifier) NotifyTrained(ctx context.Context, rec *models.TrainedModelRecord) error {
	ch, err := n.openChannel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		n.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}

	event := TrainedEvent{
		ID:         uuid.NewString(),
		Event:      EventModelTrained,
		OccurredAt: n.now().UTC(),
		Model:      rec,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event payload failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		n.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.ID,
			Type:         EventModelTrained,
			Timestamp:    event.OccurredAt,
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("publish event failed: %w", err)
	}
	return nil
}

// Close closes the broker connection
func (n *RabbitNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}
