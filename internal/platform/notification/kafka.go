package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaChannel.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a synchronous writer that keys messages by
// recipient, so one person's notices stay ordered on a single partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// KafkaChannel publishes notices as JSON for a downstream mail or SMS
// relay to consume.
type KafkaChannel struct {
	w MessageWriter
}

func NewKafkaChannel(w MessageWriter) *KafkaChannel {
	return &KafkaChannel{w: w}
}

func (c *KafkaChannel) Deliver(ctx context.Context, n *Notice) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.Recipient),
		Value: value,
		Time:  n.CreatedAt,
		Headers: []kafka.Header{
			{Key: "template_id", Value: []byte(n.TemplateID)},
			{Key: "notice_id", Value: []byte(n.ID)},
		},
	}
	if err := c.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish notice %s: %w", n.ID, err)
	}
	return nil
}
