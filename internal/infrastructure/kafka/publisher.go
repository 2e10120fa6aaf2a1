// Package kafka publishes product envelopes to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"productregistry/backend/internal/domain/product"
)

// MessageWriter is the part of *kafkago.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes each envelope as JSON keyed by aggregate id, so one product's
// events land on one partition in order.
type Publisher struct {
	writer MessageWriter
	topic  string
}

// NewPublisher builds a publisher backed by a kafkago.Writer.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher requires a topic")
	}
	return NewPublisherWithWriter(&kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		RequiredAcks: kafkago.RequireAll,
		Balancer:     &kafkago.Hash{},
	}, topic), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, env product.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.EventID, err)
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Topic: p.topic,
		Key:   []byte(env.AggregateID.String()),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "event-id", Value: []byte(env.EventID)},
			{Key: "event-type", Value: []byte(env.Type())},
			{Key: "schema-version", Value: []byte(fmt.Sprint(env.SchemaVersion))},
		},
	})
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
