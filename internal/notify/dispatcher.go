// Package notify hands order notifications to the delivery service through
// the notification topic. Formatting and delivery happen downstream.
package notify

import (
	"context"

	kafkax "github.com/ariefcatur/order-saga/internal/kafka"
	"github.com/ariefcatur/order-saga/internal/orders"
	"go.uber.org/zap"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte)
}

// Dedup is satisfied by *redisx.Dedup.
type Dedup interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
}

type Dispatcher struct {
	Publisher Publisher
	// Dedup is optional. When set, a notification for an order and status
	// already sent is dropped.
	Dedup Dedup
	Log   *zap.Logger
}

var _ Publisher = (*kafkax.Producer)(nil)

// Notify enqueues n and returns without waiting for the broker.
func (d *Dispatcher) Notify(ctx context.Context, n orders.Notification) {
	if d.Dedup != nil {
		first, err := d.Dedup.FirstSeen(ctx, n.OrderID+":"+string(n.Status))
		if err != nil {
			d.Log.Warn("notification dedup unavailable", zap.String("order_id", n.OrderID), zap.Error(err))
		} else if !first {
			d.Log.Debug("duplicate notification dropped", zap.String("order_id", n.OrderID), zap.String("status", string(n.Status)))
			return
		}
	}
	d.Publisher.Publish(ctx, orders.PartitionKey(n.OrderID), kafkax.MustMarshal(n))
	d.Log.Debug("notification queued", zap.String("order_id", n.OrderID), zap.String("status", string(n.Status)))
}
