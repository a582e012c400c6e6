package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

// KafkaProducer publishes task snapshots to a Kafka topic so downstream
// consumers can react to state changes without polling the API.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a producer for the given brokers and topic.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *KafkaProducer) NotifyTaskChange(ctx context.Context, task domain.TaskData) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(task.ID),
		Value: body,
	}
	carrier := NewHeaderCarrier(&msg)
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish task change %s: %w", task.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
