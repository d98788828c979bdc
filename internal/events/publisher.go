// Package events publishes wallet events to Kafka for the notification
// service. Publishing is best-effort: the escrow engine logs and ignores
// publish failures, so nothing here may block a wallet operation.
package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/farmlink/wallet/internal/escrow"
)

// KafkaPublisher writes wallet events to a Kafka topic, keyed by user so a
// single user's notifications stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish writes one wallet event.
func (p *KafkaPublisher) Publish(ctx context.Context, event escrow.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID.String()),
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher discards events. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, escrow.Event) error { return nil }
