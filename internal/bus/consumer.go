package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/order-saga/internal/orders"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// EventHandler returns nil to ack. An error requeues the delivery.
type EventHandler func(ctx context.Context, ev orders.DomainEvent) error

type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	bindings []string
	log      *zap.Logger
}

// NewConsumer declares a durable queue bound to the exchange with each
// routing key in bindings ("#" for everything).
func NewConsumer(url, exchange, queue string, bindings []string, prefetch int, log *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c := &Consumer{conn: conn, channel: ch, exchange: exchange, queue: queue, bindings: bindings, log: log}
	if err := c.declare(prefetch); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Consumer) declare(prefetch int) error {
	if err := declareExchange(c.channel, c.exchange); err != nil {
		return err
	}
	q, err := c.channel.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range c.bindings {
		if err := c.channel.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue to %s: %w", key, err)
		}
	}
	if prefetch > 0 {
		if err := c.channel.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}
	return nil
}

// Start consumes until ctx is done or the channel closes.
func (c *Consumer) Start(ctx context.Context, h EventHandler) error {
	msgs, err := c.channel.ConsumeWithContext(ctx,
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	c.log.Info("bus consumer started", zap.String("queue", c.queue), zap.Strings("bindings", c.bindings))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, msg, h)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery, h EventHandler) {
	var ev orders.DomainEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		c.log.Error("undecodable event dropped", zap.String("message_id", msg.MessageId), zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}
	if err := h(ctx, ev); err != nil {
		c.log.Warn("event handling failed, requeued",
			zap.String("event_id", ev.EventID),
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
