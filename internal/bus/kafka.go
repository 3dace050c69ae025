package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink streams session events to a Kafka topic, keyed by assistant ID
// so every assistant's events stay ordered within one partition.
type KafkaSink struct {
	w     messageWriter
	topic string
}

// NewKafkaSink creates an async writer for the comma-separated broker list.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				slog.Warn("Kafka: failed to publish session events", "topic", topic, "count", len(msgs), "error", err)
			}
		},
	}
	return &KafkaSink{w: w, topic: topic}
}

// Handle is an EventBus subscriber.
func (k *KafkaSink) Handle(ev SessionEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Kafka: encode event", "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.AssistantID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		slog.Warn("Kafka: write session event", "topic", k.topic, "error", err)
	}
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
