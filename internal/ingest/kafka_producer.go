package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-coordinator/internal/events"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes JSON records keyed by entity id, so all records for
// one driver or ride land on the same partition in order.
type KafkaProducer struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return NewProducerWithWriter(w, topic)
}

func NewProducerWithWriter(w MessageWriter, topic string) *KafkaProducer {
	return &KafkaProducer{writer: w, topic: topic, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.Location) error {
	return k.write(ctx, loc.DriverID, loc)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev events.Event) error {
	return k.write(ctx, ev.RideID, ev)
}

func (k *KafkaProducer) write(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		observability.KafkaWriteErrors.WithLabelValues(k.topic).Inc()
		return err
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
