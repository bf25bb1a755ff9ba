package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/msageha/zonekeeper/internal/logging"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards bus events to a Kafka topic as JSON, keyed by zone
// so that all events of a zone land on the same partition.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *logging.Logger
}

// wireEvent is the message body.
type wireEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewKafkaWriter builds a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

func NewKafkaPublisher(w MessageWriter, logger *logging.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second, logger: logger}
}

// Publish writes one event. It blocks until the broker acknowledges or the
// publisher timeout elapses.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(wireEvent{ID: e.ID, Type: e.Type, Timestamp: e.Timestamp, Data: e.Data})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}

	key, _ := e.Data["zone"].(string)
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s: %w", e.ID, err)
	}
	return nil
}

// Attach forwards every bus event to Kafka. Failures are logged and the event
// is not retried; the audit log remains the record of truth.
func (p *KafkaPublisher) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := p.Publish(context.Background(), e); err != nil {
			p.logger.Warnf("kafka publish failed type=%s: %v", e.Type, err)
		}
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
