// Package bus carries domain events over a RabbitMQ topic exchange. The
// routing key is the event type, so subscribers bind to the events they
// care about.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const ExchangeType = "topic"

var errNacked = errors.New("broker nacked publish")

type Publisher struct {
	url         string
	exchange    string
	serviceName string
	log         *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewPublisher(url, exchange, serviceName string, log *zap.Logger) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange, serviceName: serviceName, log: log}
	if err := p.connect(); err != nil {
		return nil, err
	}
	log.Info("publisher connected", zap.String("exchange", exchange))
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	p.conn, p.channel = conn, ch
	return nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(
		name,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

// PublishBatch publishes events in order and waits for every broker
// confirm. On error some events may already be delivered; subscribers
// dedupe on MessageId.
func (p *Publisher) PublishBatch(ctx context.Context, events []orders.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.RetryNotify(func() error {
		if p.channel == nil || p.channel.IsClosed() {
			if err := p.reconnect(); err != nil {
				return err
			}
		}
		return p.publish(ctx, events)
	}, b, func(err error, wait time.Duration) {
		p.log.Warn("event publish failed, retrying", zap.Duration("retry_in", wait), zap.Error(err))
	})
}

func (p *Publisher) publish(ctx context.Context, events []orders.DomainEvent) error {
	confirms := make([]*amqp.DeferredConfirmation, 0, len(events))
	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal %s: %w", ev.EventID, err))
		}
		dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
			p.exchange,
			string(ev.EventType),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    ev.EventID,
				Type:         string(ev.EventType),
				Timestamp:    ev.Timestamp,
				AppId:        p.serviceName,
				Headers:      amqp.Table{"orderId": ev.OrderID, "version": ev.Version},
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish %s: %w", ev.EventID, err)
		}
		confirms = append(confirms, dc)
	}
	for i, dc := range confirms {
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", events[i].EventID, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", errNacked, events[i].EventID)
		}
	}
	return nil
}

func (p *Publisher) reconnect() error {
	p.closeLocked()
	return p.connect()
}

func (p *Publisher) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Publisher) closeLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
