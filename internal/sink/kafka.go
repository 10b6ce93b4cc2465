package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by the backend.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions configure the kafka backend.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaBackend publishes records as JSON keyed by record id. On a compacted
// topic the latest record per position wins.
type KafkaBackend struct {
	writer MessageWriter
	topic  string
}

// NewKafkaBackend builds a synchronous writer hashing keys onto partitions.
func NewKafkaBackend(opts KafkaOptions) *KafkaBackend {
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		WriteTimeout: opts.WriteTimeout,
	}
	return NewKafkaBackendWithWriter(w, opts.Topic)
}

// NewKafkaBackendWithWriter wraps an existing writer.
func NewKafkaBackendWithWriter(w MessageWriter, topic string) *KafkaBackend {
	return &KafkaBackend{writer: w, topic: topic}
}

// Name implements Backend.
func (k *KafkaBackend) Name() string { return "kafka" }

// Put implements Backend.
func (k *KafkaBackend) Put(ctx context.Context, rec Record) (string, error) {
	value, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", err
	}
	key := rec.ID.Hex()
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "schema_id", Value: []byte(rec.SchemaID.Hex())},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", k.topic, err)
	}
	return fmt.Sprintf("kafka:%s/%s", k.topic, key), nil
}

// Close flushes and closes the writer.
func (k *KafkaBackend) Close() error {
	return k.writer.Close()
}

var _ Backend = (*KafkaBackend)(nil)
