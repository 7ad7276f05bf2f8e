package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSink writes notifications to a topic keyed by invoice id, so events
// for one invoice stay ordered within a partition.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaSink creates a sink for a comma separated broker list.
func NewKafkaSink(brokersCSV, topic string) (*KafkaSink, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}

	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaSink{writer: w, timeout: 3 * time.Second}, nil
}

func (s *KafkaSink) Notify(ctx context.Context, n Notification) error {
	b, err := encode(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	// small timeout so a billing cycle doesn't hang if Kafka is down
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(n.InvoiceID),
		Value: b,
		Time:  n.At,
		Headers: []kgo.Header{
			{Key: "event", Value: []byte(n.Event)},
		},
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
