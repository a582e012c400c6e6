package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/we-make-money/midjourney-proxy/internal/notify"
)

// Consumer reads upstream events from Kafka and feeds them to the bridge.
// Deployments that run a gateway listener in a separate process publish
// into this topic.
type Consumer struct {
	reader *kafka.Reader
	bridge *Bridge
	logger *slog.Logger
}

// NewConsumer creates a consumer in the given consumer group.
func NewConsumer(brokers []string, topic, groupID string, bridge *Bridge, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		bridge: bridge,
		logger: logger.With(slog.String("component", "events-consumer")),
	}
}

// Run consumes until the context ends. Malformed messages are logged and
// committed so they cannot wedge the partition.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		msgCtx := otel.GetTextMapPropagator().Extract(ctx, notify.NewHeaderCarrier(&msg))

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.logger.Warn("dropping malformed event",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		} else {
			c.bridge.Apply(msgCtx, ev)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("commit failed", slog.String("error", err.Error()))
		}
	}
}
