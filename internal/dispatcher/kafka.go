package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the part of *kgo.Client the Kafka dispatcher uses.
type Producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaDispatcher publishes every event to one topic. Records are keyed by
// the event subject (the run id) so a run's events stay ordered within a
// partition. The CloudEvents attributes travel as ce- headers.
type KafkaDispatcher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inflight  atomic.Int64
	closed    atomic.Bool
}

// NewKafka connects a franz-go client to the configured brokers.
func NewKafka(cfg KafkaConfig, metrics MetricsRecorder) (*KafkaDispatcher, error) {
	cfg = cfg.withDefaults()
	if !cfg.Enabled() {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.MaxBufferedRecords(cfg.BufferSize),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	d := NewKafkaWithProducer(client, cfg.Topic, metrics)
	d.logger.Info("Kafka dispatcher started", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return d, nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer Producer, topic string, metrics MetricsRecorder) *KafkaDispatcher {
	return &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		logger:   slog.With("component", "kafka-dispatcher"),
		metrics:  metrics,
	}
}

// Dispatch buffers the event for the producer. It does not block; a full
// producer buffer drops the event with ErrBufferFull.
func (d *KafkaDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return fmt.Errorf("dispatcher is closed")
	}
	value, err := event.Payload.Encode()
	if err != nil {
		return err
	}

	record := &kgo.Record{
		Topic: d.topic,
		Key:   []byte(event.Payload.Subject),
		Value: value,
	}
	for k, v := range event.Payload.Headers() {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	record.Headers = append(record.Headers, kgo.RecordHeader{Key: "content-type", Value: []byte("application/cloudevents+json")})

	var rejected atomic.Bool
	d.inflight.Add(1)
	d.producer.TryProduce(context.Background(), record, func(r *kgo.Record, err error) {
		defer d.inflight.Add(-1)
		switch {
		case errors.Is(err, kgo.ErrMaxBuffered):
			rejected.Store(true)
			d.dropped.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherDropped(context.Background())
			}
		case err != nil:
			d.failed.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherFailed(context.Background())
			}
			d.logger.Warn("Delivery failed", "topic", r.Topic, "type", event.Payload.Type, "error", err)
		default:
			d.delivered.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherDelivered(context.Background(), time.Since(r.Timestamp).Seconds())
			}
		}
	})
	// TryProduce calls the promise synchronously when the buffer is full.
	if rejected.Load() {
		d.logger.Warn("Event dropped, buffer full", "topic", d.topic, "type", event.Payload.Type)
		return ErrBufferFull
	}
	d.queued.Add(1)
	return nil
}

// Stats returns current dispatcher statistics.
func (d *KafkaDispatcher) Stats() Stats {
	return Stats{
		QueueDepth: int(d.inflight.Load()),
		Queued:     d.queued.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
	}
}

// Close flushes buffered records, bounded by ctx, and closes the client.
func (d *KafkaDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	err := d.producer.Flush(ctx)
	d.producer.Close()
	if err != nil {
		d.logger.Warn("Kafka flush incomplete", "remaining", d.inflight.Load(), "error", err)
		return err
	}
	d.logger.Info("Kafka dispatcher shutdown complete", "delivered", d.delivered.Load(), "failed", d.failed.Load())
	return nil
}

var _ Dispatcher = (*KafkaDispatcher)(nil)
