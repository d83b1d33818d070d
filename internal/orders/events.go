package orders

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventOrderCreated        EventType = "OrderCreated"
	EventOrderStatusChanged  EventType = "OrderStatusChanged"
	EventOrderConfirmed      EventType = "OrderConfirmed"
	EventOrderCancelled      EventType = "OrderCancelled"
	EventOrderShipped        EventType = "OrderShipped"
	EventPaymentStateChanged EventType = "PaymentStateChanged"
	EventOrderDeleted        EventType = "OrderDeleted"
)

// DomainEvent is an immutable fact derived from one order change.
type DomainEvent struct {
	EventID              string       `json:"eventId"`
	EventType            EventType    `json:"eventType"`
	OrderID              string       `json:"orderId"`
	CustomerID           string       `json:"customerId"`
	StoreID              string       `json:"storeId,omitempty"`
	OrderKey             string       `json:"orderKey"`
	Version              int64        `json:"version"`
	PreviousStatus       Status       `json:"previousStatus,omitempty"`
	Status               Status       `json:"status,omitempty"`
	PreviousPaymentState PaymentState `json:"previousPaymentState,omitempty"`
	PaymentState         PaymentState `json:"paymentState,omitempty"`
	Total                float64      `json:"total,omitempty"`
	Reason               string       `json:"reason,omitempty"`
	Order                *Order       `json:"order,omitempty"`
	Timestamp            time.Time    `json:"timestamp"`
}

// EventID is stable across redelivery: consumers dedupe on it.
func EventID(orderID string, t EventType, version int64) string {
	return fmt.Sprintf("%s:%s:%d", orderID, t, version)
}

const ActionProcess = "PROCESS"

// WorkItem is the work-queue message that drives the saga for one order.
type WorkItem struct {
	OrderID    string    `json:"orderId"`
	CustomerID string    `json:"customerId"`
	OrderKey   string    `json:"orderKey"`
	Action     string    `json:"action"`
	Attempt    int       `json:"attempt,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (w WorkItem) Key() Key {
	return Key{CustomerID: w.CustomerID, SortKey: w.OrderKey}
}

// Notification is handed to the external notification service.
type Notification struct {
	OrderID    string    `json:"orderId"`
	CustomerID string    `json:"customerId"`
	Status     Status    `json:"status"`
	Total      float64   `json:"total"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
