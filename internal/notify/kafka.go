package notify

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/deploy-sentinel/internal/models"
)

// KafkaSink publishes the same rollout events to a topic for anyone who
// would rather consume a stream than a webhook.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(addr, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(addr),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) Deliver(ctx context.Context, event models.NotificationEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event for kafka: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.RolloutID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
