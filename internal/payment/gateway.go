// Package payment is the boundary to the external payment capability.
package payment

import (
	"context"
	"errors"
)

var (
	// ErrDeclined is a business outcome. It is never retried.
	ErrDeclined = errors.New("payment declined")
	// ErrUnavailable is a communication fault; callers may retry.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

type Result struct {
	Approved      bool   `json:"approved"`
	TransactionID string `json:"transactionId,omitempty"`
	DeclineReason string `json:"declineReason,omitempty"`
}

// Gateway authorizes an amount for an order. The order ID doubles as the
// gateway idempotency key: authorizing the same order twice must not charge
// twice.
type Gateway interface {
	Authorize(ctx context.Context, orderID string, amount float64) (Result, error)
}

type GatewayFunc func(ctx context.Context, orderID string, amount float64) (Result, error)

func (f GatewayFunc) Authorize(ctx context.Context, orderID string, amount float64) (Result, error) {
	return f(ctx, orderID, amount)
}
