// Package publisher fans high-severity security outcomes out to Kafka for
// SIEM consumption. Publishing is fire-and-forget: the ledger is the source
// of truth, the topic is a downstream feed, so a broker outage never blocks
// an authentication path.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is the wire shape published to the SIEM topic.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Severity  Severity  `json:"severity"`
}

// SecurityPublisher is the emission surface services depend on; the Kafka
// implementation below is swapped for a no-op in tests and single-node runs.
type SecurityPublisher interface {
	Publish(ctx context.Context, event SecurityEvent)
}

// KafkaPublisher publishes security events to a single topic.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewKafka(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("security topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal security event", "action", event.Action, "error", err)
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.Subject),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("publish security event",
				"action", event.Action,
				"severity", string(event.Severity),
				"error", err,
			)
		}
	})
}

// Close flushes outstanding records and releases the client.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		p.client.Close()
		return fmt.Errorf("flush kafka client: %w", err)
	}
	p.client.Close()
	return nil
}

// Nop discards security events; used when Kafka is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, SecurityEvent) {}
