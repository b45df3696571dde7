package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"keygate/internal/model"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// usageEvent is the message published for each admitted request.
type usageEvent struct {
	ID        string `json:"id"`
	KeyID     string `json:"key_id"`
	Method    string `json:"method"`
	Endpoint  string `json:"endpoint"`
	Timestamp int64  `json:"timestamp"`
}

// KafkaSink publishes usage entries to a topic, keyed by key ID so one key's
// events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a synchronous writer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaSink{writer: writer, topic: topic}
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) Append(ctx context.Context, entry model.UsageLogEntry) error {
	data, err := json.Marshal(usageEvent{
		ID:        entry.ID,
		KeyID:     entry.KeyID,
		Method:    entry.Method,
		Endpoint:  entry.Endpoint,
		Timestamp: entry.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.KeyID),
		Value: data,
		Time:  entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to write usage event to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
