// Package changefeed turns the order change log into domain events.
//
// The relay moves change-log rows onto the change topic and starts the saga
// for every new order. The transformer consumes the change topic and
// publishes one batch of domain events per change record.
package changefeed

import (
	"github.com/ariefcatur/order-saga/internal/orders"
)

// Transform derives the domain events of one change record. It emits by
// meaning, not by write: a MODIFY that changes neither status nor payment
// state yields nothing.
func Transform(c orders.Change) []orders.DomainEvent {
	switch c.EventKind {
	case orders.ChangeInsert:
		if c.After == nil {
			return nil
		}
		return []orders.DomainEvent{newEvent(orders.EventOrderCreated, c.OrderKey, c.After, c)}

	case orders.ChangeModify:
		if c.Before == nil || c.After == nil {
			return nil
		}
		var out []orders.DomainEvent
		if c.After.Status != c.Before.Status {
			out = append(out, newEvent(orders.EventOrderStatusChanged, c.OrderKey, c.After, c))
			if t, ok := statusEvents[c.After.Status]; ok {
				out = append(out, newEvent(t, c.OrderKey, c.After, c))
			}
		}
		if c.After.PaymentState != c.Before.PaymentState {
			out = append(out, newEvent(orders.EventPaymentStateChanged, c.OrderKey, c.After, c))
		}
		return out

	case orders.ChangeRemove:
		img := c.Before
		if img == nil {
			k, _ := orders.ParseKey(c.OrderKey)
			img = &orders.Order{OrderID: k.OrderID(), CustomerID: k.CustomerID}
		}
		return []orders.DomainEvent{newEvent(orders.EventOrderDeleted, c.OrderKey, img, c)}
	}
	return nil
}

var statusEvents = map[orders.Status]orders.EventType{
	orders.StatusConfirmed: orders.EventOrderConfirmed,
	orders.StatusCancelled: orders.EventOrderCancelled,
	orders.StatusShipped:   orders.EventOrderShipped,
}

func newEvent(t orders.EventType, key string, img *orders.Order, c orders.Change) orders.DomainEvent {
	ev := orders.DomainEvent{
		EventID:      orders.EventID(img.OrderID, t, img.Version),
		EventType:    t,
		OrderID:      img.OrderID,
		CustomerID:   img.CustomerID,
		StoreID:      img.StoreID,
		OrderKey:     key,
		Version:      img.Version,
		Status:       img.Status,
		PaymentState: img.PaymentState,
		Total:        img.Total,
		Reason:       img.FailureReason,
		Timestamp:    c.At,
	}
	if c.Before != nil && c.After != nil {
		ev.PreviousStatus = c.Before.Status
		ev.PreviousPaymentState = c.Before.PaymentState
	}
	switch t {
	case orders.EventOrderCreated, orders.EventOrderDeleted:
		snapshot := *img
		ev.Order = &snapshot
	}
	return ev
}
