package events

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes to a durable topic exchange. Routing keys are
// "<event type>.<tenant>", e.g. "chat.assigned.acme".
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
}

// NewAMQPSink dials the broker and declares the exchange
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPSink{conn: conn, exchange: exchange}, nil
}

// RoutingKey returns the topic routing key for ev
func RoutingKey(ev types.Event) string {
	return string(ev.Type) + "." + ev.TenantID
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Send(ctx context.Context, ev types.Event, payload []byte) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.PublishWithContext(
		ctx, s.exchange, RoutingKey(ev), false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     ev.ID,
			CorrelationId: ev.ChatID,
			Timestamp:     ev.Timestamp,
			Type:          string(ev.Type),
			Body:          payload,
		},
	)
}

func (s *AMQPSink) Close() error {
	return s.conn.Close()
}
