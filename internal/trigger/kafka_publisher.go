package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher publishes a data_product.ready event for every successful
// dispatch, so downstream consumers can react without polling the plan API.
// Publishing is best-effort: a publish failure is logged by the caller and
// never blocks or fails the dispatch itself.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher opens a writer against brokers for topic. Writes are
// synchronous, and the message key is hashed to choose the partition.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// PublishReady writes payload keyed by data product ID so all readiness
// events for the same product land on the same partition in order.
func (p *KafkaPublisher) PublishReady(ctx context.Context, payload Payload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal readiness event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(payload.DataProductID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write readiness event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
