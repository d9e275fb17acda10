package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hanko-field/commerce/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher relays outbox events to a Kafka topic. The aggregate key is the message key, so the
// hash balancer keeps events for one order on one partition.
type KafkaPublisher struct {
	writer messageWriter
	now    func() time.Time
}

// NewKafkaPublisher builds a writer for the brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}), nil
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w, now: time.Now}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event domain.OutboxEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher: not initialised")
	}
	headers := []kafka.Header{{Key: "eventType", Value: []byte(event.Topic)}}
	if event.EventID != "" {
		headers = append(headers, kafka.Header{Key: "eventId", Value: []byte(event.EventID)})
	}
	stamp := event.CreatedAt
	if stamp.IsZero() {
		stamp = p.now()
	}
	msg := kafka.Message{
		Key:     []byte(event.Key),
		Value:   event.Payload,
		Headers: headers,
		Time:    stamp.UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
