package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Event volume is low and ordering is per project key; one partition
// without replication is enough for a default deployment.
const (
	topicPartitions  = 1
	topicReplication = 1

	// Kafka protocol error code for TOPIC_ALREADY_EXISTS.
	errTopicAlreadyExists = 36
)

// ensureEventTopic creates the event topic through the admin API so the
// first publish never depends on broker-side auto-creation, which
// Redpanda clusters commonly disable. An existing topic is fine.
func ensureEventTopic(ctx context.Context, client *kgo.Client, topic string) error {
	if topic == "" {
		return fmt.Errorf("op=redpanda.ensureEventTopic: empty topic name")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = topicPartitions
	topicReq.ReplicationFactor = topicReplication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=redpanda.ensureEventTopic topic=%s: %w", topic, err)
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=redpanda.ensureEventTopic topic=%s: unexpected response type %T", topic, resp)
	}
	for _, tr := range created.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == errTopicAlreadyExists {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=redpanda.ensureEventTopic topic=%s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}
