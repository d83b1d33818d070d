package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Client wraps a Gateway with a per-call timeout and bounded retries on
// transient faults.
type Client struct {
	Gateway         Gateway
	Timeout         time.Duration
	Attempts        int
	InitialInterval time.Duration
	Log             *zap.Logger
	Metrics         *metrics.Metrics
}

func NewClient(g Gateway, timeout time.Duration, attempts int, log *zap.Logger, m *metrics.Metrics) *Client {
	return &Client{
		Gateway:         g,
		Timeout:         timeout,
		Attempts:        attempts,
		InitialInterval: 200 * time.Millisecond,
		Log:             log,
		Metrics:         m,
	}
}

// Authorize returns the approved result, an error wrapping ErrDeclined, or
// the last transient error once attempts run out.
func (c *Client) Authorize(ctx context.Context, orderID string, amount float64) (Result, error) {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialInterval
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	op := func() (Result, error) {
		res, err := c.call(ctx, orderID, amount)
		switch {
		case err != nil:
			c.Metrics.PaymentAttempt("error")
			return Result{}, err
		case !res.Approved:
			c.Metrics.PaymentAttempt("declined")
			return res, backoff.Permanent(fmt.Errorf("%w: %s", ErrDeclined, res.DeclineReason))
		}
		c.Metrics.PaymentAttempt("approved")
		return res, nil
	}
	notify := func(err error, wait time.Duration) {
		c.Log.Warn("payment authorization failed, retrying",
			zap.String("order_id", orderID),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	res, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		if errors.Is(err, ErrDeclined) {
			return res, err
		}
		return Result{}, fmt.Errorf("authorize order %s: %w", orderID, err)
	}
	return res, nil
}

func (c *Client) call(ctx context.Context, orderID string, amount float64) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return c.Gateway.Authorize(ctx, orderID, amount)
}
