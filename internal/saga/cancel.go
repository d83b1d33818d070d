package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/order-saga/internal/inventory"
	"github.com/ariefcatur/order-saga/internal/orders"
	"go.uber.org/zap"
)

// ConflictError is returned when an order cannot be cancelled from its
// current status, or its status changed under the request.
type ConflictError struct {
	OrderID    string
	Status     orders.Status
	Concurrent bool
}

func (e *ConflictError) Error() string {
	if e.Concurrent {
		return fmt.Sprintf("order %s changed concurrently, now %s", e.OrderID, e.Status)
	}
	return fmt.Sprintf("order %s cannot be cancelled from %s", e.OrderID, e.Status)
}

type Canceller struct {
	Repo     *orders.Repository
	Ledger   *inventory.Ledger
	Notifier Notifier
	Log      *zap.Logger
}

// Cancel moves a PENDING or CONFIRMED order to CANCELLED and releases its
// reservation. The status read from the primary record guards the write.
func (c *Canceller) Cancel(ctx context.Context, orderID string) (orders.Order, error) {
	proj, err := c.Repo.GetByID(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	cur, err := c.Repo.Get(ctx, proj.Key())
	if err != nil {
		return orders.Order{}, err
	}
	if !cur.Status.Cancellable() {
		return cur, &ConflictError{OrderID: orderID, Status: cur.Status}
	}

	ps := orders.PaymentState("")
	if cur.PaymentState == orders.PaymentAuthorized || cur.PaymentState == orders.PaymentCaptured {
		ps = orders.PaymentRefunded
	}
	tr, err := c.Repo.TransitionStatus(ctx, cur.Key(), orderID, orders.Transition{
		To:           orders.StatusCancelled,
		Expected:     cur.Status,
		PaymentState: ps,
		Reason:       "cancelled by request",
	})
	if err != nil {
		return orders.Order{}, err
	}
	if tr.Stale() {
		return tr.Order, &ConflictError{OrderID: orderID, Status: tr.Order.Status, Concurrent: true}
	}

	// the saga may still be holding stock for a PENDING order; it releases
	// again when its confirm guard fails, and a release twice is a no-op
	if _, err := c.Ledger.Release(ctx, inventory.ReservationID(orderID), "cancelled"); err != nil {
		c.Log.Warn("reservation release failed, left to expiry", zap.String("order_id", orderID), zap.Error(err))
	}
	c.Log.Info("order cancelled", zap.String("order_id", orderID), zap.String("previous_status", string(cur.Status)))
	if c.Notifier != nil {
		c.Notifier.Notify(ctx, orders.Notification{
			OrderID:    tr.Order.OrderID,
			CustomerID: tr.Order.CustomerID,
			Status:     tr.Order.Status,
			Total:      tr.Order.Total,
			Reason:     tr.Order.FailureReason,
			Timestamp:  tr.Order.UpdatedAt,
		})
	}
	return tr.Order, nil
}

// IsConflict reports whether err is a cancellation conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
