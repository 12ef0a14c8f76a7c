package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes alerts to a topic, keyed by alert id so updates for one
// alert land on one partition.
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka creates a synchronous, at-least-once Kafka publisher.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: brokers cannot be empty")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic cannot be empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: kafkaWriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Kafka{writer: w, topic: topic}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Modes() []Mode {
	return []Mode{ModeImmediate, ModeBatch}
}

// Send publishes the webhook JSON document for the notice.
func (k *Kafka) Send(ctx context.Context, n Notice) error {
	payload := NewPayload(n)
	key := "digest"
	if n.Alert != nil {
		key = n.Alert.ID
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kafka: marshaling payload: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  n.SentAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(payload.Event)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: writing to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
