package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/queue"
	"github.com/segmentio/kafka-go"
)

// SyncProducer writes to any topic and returns once every replica has the
// messages.
type SyncProducer struct {
	w *kafka.Writer
}

func NewSyncProducer(brokers []string) *SyncProducer {
	return &SyncProducer{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

// Send writes msgs to topic keyed by their Key, in order.
func (p *SyncProducer) Send(ctx context.Context, topic string, msgs []queue.Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{
			Topic:   topic,
			Key:     []byte(m.Key),
			Value:   m.Body,
			Headers: toHeaders(m.Headers, m.Attempt),
		})
	}
	return p.Write(ctx, out...)
}

func (p *SyncProducer) Write(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *SyncProducer) Close() error { return p.w.Close() }
