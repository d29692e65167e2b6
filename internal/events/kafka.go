package events

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/segmentio/kafka-go"
)

// KafkaSink writes events to one topic keyed by chat id, so every event of
// a chat lands on the same partition in order
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaSink creates a writer for the given brokers
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func partitionKey(ev types.Event) string {
	if ev.ChatID != "" {
		return ev.ChatID
	}
	return ev.TenantID
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, ev types.Event, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(partitionKey(ev)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "tenant_id", Value: []byte(ev.TenantID)},
		},
		Time: ev.Timestamp,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
