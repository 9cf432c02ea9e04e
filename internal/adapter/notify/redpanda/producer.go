// Package redpanda publishes execution-plane events to a Kafka/Redpanda
// topic for external consumers. Records are keyed by project id, so
// per-project ordering is preserved by partitioning.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/link-sentinel/internal/adapter/observability"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// DefaultTopic is the Kafka topic for link audit events.
const DefaultTopic = "link-events"

// Producer streams events to a Kafka topic and implements domain.Notifier.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer and ensures the topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	slog.Info("creating redpanda event producer",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := ensureEventTopic(context.Background(), client, topic); err != nil {
		slog.Warn("topic creation failed, relying on broker auto-create",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// Publish implements domain.Notifier. The record key is the project id.
func (p *Producer) Publish(ctx domain.Context, projectID string, ev domain.Event) error {
	ev.ProjectID = projectID
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=redpanda.publish: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(projectID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(ev.Kind)},
		},
	}
	res := p.client.ProduceSync(ctx, record)
	if err := res.FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.publish: %w: %v", domain.ErrBackendUnavailable, err)
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Close flushes and releases the underlying client.
func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Fanout publishes every event to multiple sinks; the first error is
// returned after all sinks were attempted.
type Fanout []domain.Notifier

// Publish implements domain.Notifier.
func (f Fanout) Publish(ctx domain.Context, projectID string, ev domain.Event) error {
	var first error
	for _, n := range f {
		if err := n.Publish(ctx, projectID, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
