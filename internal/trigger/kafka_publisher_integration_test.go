package trigger_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/fletcher-data/fletcher/internal/trigger"
)

// TestKafkaPublisher_PublishReady starts a real broker and confirms a
// dispatched readiness event round-trips with the data product ID as key,
// matching the partition-ordering guarantee documented on KafkaPublisher.
func TestKafkaPublisher_PublishReady(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.6.1")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	const topic = "data_product.ready"

	publisher := trigger.NewKafkaPublisher(brokers, topic)
	t.Cleanup(func() { _ = publisher.Close() })

	payload := trigger.Payload{
		DatasetID:     "ds-1",
		DataProductID: "dp-1",
		Name:          "transform_orders",
		Version:       "v1",
	}

	publishCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	require.NoError(t, publisher.PublishReady(publishCtx, payload))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  "fletcher-test-reader",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	t.Cleanup(func() { _ = reader.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)
	require.Equal(t, payload.DataProductID, string(msg.Key))

	var got trigger.Payload
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.Equal(t, payload, got)
}
