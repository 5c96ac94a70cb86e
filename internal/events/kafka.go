package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink forwards bus events to a Kafka topic for external consumers
// (dashboards, notification services). It is write-only: downstream
// systems never publish back into the pipeline.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink creates a sink writing to the given brokers and topic.
func NewKafkaSink(logger *zap.Logger, brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		logger: logger,
	}
}

// Attach subscribes the sink to every core topic on the bus.
func (s *KafkaSink) Attach(bus Bus) {
	for _, topic := range []string{TopicOrder, TopicRisk, TopicBreaker} {
		bus.Subscribe(topic, s.handle)
	}
}

func (s *KafkaSink) handle(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event for kafka",
			zap.String("type", event.Type), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Topic),
		Value: data,
	})
	if err != nil {
		// The stream is best-effort for observers; core state is already
		// journaled locally.
		s.logger.Warn("failed to publish event to kafka",
			zap.String("type", event.Type), zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
