package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes alert envelopes to a topic, keyed by node so
// per-node ordering is preserved across partitions.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) SendEvent(ctx context.Context, e Event) error {
	return k.publish(ctx, e.NodeID, map[string]interface{}{"type": "certificate_alert", "alert": e})
}

func (k *KafkaSink) SendSummary(ctx context.Context, s Summary) error {
	return k.publish(ctx, "summary", map[string]interface{}{"type": "cycle_summary", "summary": s})
}

func (k *KafkaSink) SendNodeChange(ctx context.Context, c NodeChange) error {
	return k.publish(ctx, c.NodeID, map[string]interface{}{"type": "node_change", "change": c})
}

func (k *KafkaSink) publish(ctx context.Context, key string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal kafka event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
