// Package saga drives an order from PENDING to CONFIRMED or FAILED:
// reserve inventory, authorize payment, confirm, notify.
//
// Every order write goes through the repository's guarded transitions, so
// any number of orchestrators may run against the same queue and storage.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/order-saga/internal/inventory"
	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/observability"
	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/payment"
	"github.com/ariefcatur/order-saga/internal/queue"
	"github.com/ariefcatur/order-saga/internal/store"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/order-saga/internal/saga")

// errStillPending means the confirm guard failed but the order is still
// PENDING; the item is redelivered.
var errStillPending = errors.New("order still pending after confirm guard failed")

// Notifier hands a notification to the delivery service without waiting on
// the outcome.
type Notifier interface {
	Notify(ctx context.Context, n orders.Notification)
}

type NotifierFunc func(ctx context.Context, n orders.Notification)

func (f NotifierFunc) Notify(ctx context.Context, n orders.Notification) { f(ctx, n) }

type Orchestrator struct {
	Repo        *orders.Repository
	Ledger      *inventory.Ledger
	Payments    *payment.Client
	Notifier    Notifier
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Concurrency int
	// ReserveAttempts bounds in-process retries of a reservation that lost
	// a commit race.
	ReserveAttempts int
	ConfirmAttempts int
	Now             func() time.Time
}

func New(repo *orders.Repository, ledger *inventory.Ledger, payments *payment.Client, n Notifier, log *zap.Logger, m *metrics.Metrics, concurrency int) *Orchestrator {
	return &Orchestrator{
		Repo:            repo,
		Ledger:          ledger,
		Payments:        payments,
		Notifier:        n,
		Log:             log,
		Metrics:         m,
		Concurrency:     concurrency,
		ReserveAttempts: 3,
		ConfirmAttempts: 3,
		Now:             time.Now,
	}
}

// HandleBatch processes work items independently. Items of the same order
// run one after another; the result lists the items to redeliver.
func (o *Orchestrator) HandleBatch(ctx context.Context, msgs []queue.Message) queue.BatchResult {
	return queue.Run(ctx, msgs, queue.Options{Limit: o.Concurrency}, o.handle)
}

func (o *Orchestrator) handle(ctx context.Context, m queue.Message) queue.Outcome {
	var item orders.WorkItem
	if err := json.Unmarshal(m.Body, &item); err != nil || item.OrderID == "" || item.OrderKey == "" {
		o.Log.Error("undecodable work item", zap.String("message_id", m.ID), zap.Error(err))
		o.Metrics.SagaOutcome("rejected")
		return queue.Reject
	}
	// requeues carry the attempt in a header, the body keeps the first one
	item.Attempt = m.Attempt
	ctx = observability.ExtractMap(ctx, m.Headers)
	if err := o.Process(ctx, item); err != nil {
		o.Log.Warn("work item failed, will be redelivered",
			zap.String("order_id", item.OrderID),
			zap.Int("attempt", m.Attempt),
			zap.Error(err),
		)
		o.Metrics.SagaOutcome("retry")
		return queue.Retry
	}
	return queue.Done
}

// Process runs the saga for one work item. A nil error acknowledges the
// item; an error asks for redelivery and is only returned for transient
// faults.
func (o *Orchestrator) Process(ctx context.Context, item orders.WorkItem) (err error) {
	ctx, span := tracer.Start(ctx, "saga.process")
	span.SetAttributes(
		attribute.String("order.id", item.OrderID),
		attribute.Int("work.attempt", item.Attempt),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	key := item.Key()
	ord, err := o.Repo.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		o.Log.Warn("work item for unknown order", zap.String("order_id", item.OrderID), zap.String("order_key", key.String()))
		o.Metrics.SagaOutcome("missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if ord.Status != orders.StatusPending {
		if holdsStock(ord.Status) && ord.ReservationID != "" {
			// an earlier delivery may have confirmed the order but not its hold
			if _, err := o.confirmHold(ctx, ord.ReservationID); err != nil {
				return fmt.Errorf("confirm reservation: %w", err)
			}
		}
		o.Log.Info("order already processed", zap.String("order_id", ord.OrderID), zap.String("status", string(ord.Status)))
		o.Metrics.SagaOutcome("duplicate")
		return nil
	}

	res, err := o.reserve(ctx, ord)
	switch {
	case errors.Is(err, inventory.ErrInvalidRequest):
		return o.fail(ctx, ord, "invalid reservation: "+err.Error(), "", false)
	case err != nil:
		return err
	case !res.Reserved():
		return o.fail(ctx, ord, shortfallReason(res.Shortfalls), "", false)
	}
	rsvID := res.Reservation.ReservationID

	auth, err := o.Payments.Authorize(ctx, ord.OrderID, ord.Total)
	if errors.Is(err, payment.ErrDeclined) {
		return o.fail(ctx, ord, err.Error(), orders.PaymentFailed, true)
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return o.fail(ctx, ord, "payment unavailable: "+err.Error(), orders.PaymentFailed, true)
	}

	tr, err := o.Repo.TransitionStatus(ctx, key, ord.OrderID, orders.Transition{
		To:            orders.StatusConfirmed,
		Expected:      orders.StatusPending,
		PaymentState:  orders.PaymentAuthorized,
		TransactionID: auth.TransactionID,
		ReservationID: rsvID,
	})
	if err != nil {
		return fmt.Errorf("confirm order: %w", err)
	}
	if tr.Stale() {
		return o.confirmLost(ctx, tr.Order, auth.TransactionID)
	}

	held, holdErr := o.confirmHold(ctx, rsvID)
	o.Metrics.SagaOutcome("confirmed")
	o.Log.Info("order confirmed",
		zap.String("order_id", ord.OrderID),
		zap.String("transaction_id", auth.TransactionID),
	)
	o.notify(ctx, tr.Order)
	if holdErr != nil {
		// a PENDING hold would be swept from under the confirmed order
		return fmt.Errorf("confirm reservation %s: %w", rsvID, holdErr)
	}
	if !held {
		o.Log.Warn("reservation no longer pending at confirm", zap.String("reservation_id", rsvID))
	}
	return nil
}

// confirmHold reports false when the reservation was not PENDING, which is
// the normal answer on a redelivery.
func (o *Orchestrator) confirmHold(ctx context.Context, rsvID string) (bool, error) {
	return backoff.RetryWithData(func() (bool, error) {
		return o.Ledger.Confirm(ctx, rsvID)
	}, retryPolicy(ctx, o.ConfirmAttempts))
}

// holdsStock reports whether an order in status s keeps its reservation.
func holdsStock(s orders.Status) bool {
	switch s {
	case orders.StatusPending, orders.StatusCancelled, orders.StatusFailed:
		return false
	}
	return true
}

func retryPolicy(ctx context.Context, attempts int) backoff.BackOffContext {
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), uint64(attempts-1)), ctx)
}

// reserve retries a reservation that lost a commit race from scratch.
func (o *Orchestrator) reserve(ctx context.Context, ord orders.Order) (inventory.ReserveResult, error) {
	items := make([]inventory.Item, 0, len(ord.Items))
	for _, it := range ord.Items {
		items = append(items, inventory.Item{SKU: it.SKU, Quantity: it.Quantity})
	}
	return backoff.RetryWithData(func() (inventory.ReserveResult, error) {
		res, err := o.Ledger.Reserve(ctx, ord.OrderID, ord.StoreID, items)
		if err != nil && !errors.Is(err, inventory.ErrInventoryChanged) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, retryPolicy(ctx, o.ReserveAttempts))
}

// fail moves a PENDING order to FAILED. The reservation, if one was made, is
// released only once the order can no longer use it; the expiry sweep covers
// a release that fails here.
func (o *Orchestrator) fail(ctx context.Context, ord orders.Order, reason string, ps orders.PaymentState, reserved bool) error {
	tr, err := o.Repo.TransitionStatus(ctx, ord.Key(), ord.OrderID, orders.Transition{
		To:           orders.StatusFailed,
		Expected:     orders.StatusPending,
		PaymentState: ps,
		Reason:       reason,
	})
	if err != nil {
		return fmt.Errorf("fail order: %w", err)
	}
	if tr.Stale() {
		// someone else moved it on; a confirmed order keeps its stock
		if reserved && !holdsStock(tr.Order.Status) {
			o.release(ctx, ord.OrderID, "saga_failed")
		}
		o.Log.Info("order left pending before it could be failed",
			zap.String("order_id", ord.OrderID),
			zap.String("status", string(tr.Order.Status)),
		)
		o.Metrics.SagaOutcome("superseded")
		return nil
	}
	if reserved {
		o.release(ctx, ord.OrderID, "saga_failed")
	}
	o.Metrics.SagaOutcome("failed")
	o.Log.Info("order failed", zap.String("order_id", ord.OrderID), zap.String("reason", reason))
	o.notify(ctx, tr.Order)
	return nil
}

// confirmLost handles a confirm guard that failed after payment was
// authorized. It branches on the current status instead of retrying blindly.
func (o *Orchestrator) confirmLost(ctx context.Context, cur orders.Order, txnID string) error {
	switch cur.Status {
	case orders.StatusCancelled:
		o.release(ctx, cur.OrderID, "cancelled")
		o.Log.Warn("payment authorized for a cancelled order",
			zap.String("order_id", cur.OrderID),
			zap.String("transaction_id", txnID),
		)
		o.Metrics.SagaOutcome("cancelled")
		return nil
	case orders.StatusPending:
		return errStillPending
	default:
		o.Log.Info("order already moved past confirm",
			zap.String("order_id", cur.OrderID),
			zap.String("status", string(cur.Status)),
		)
		o.Metrics.SagaOutcome("superseded")
		return nil
	}
}

func (o *Orchestrator) release(ctx context.Context, orderID, cause string) {
	if _, err := o.Ledger.Release(ctx, inventory.ReservationID(orderID), cause); err != nil {
		o.Log.Warn("reservation release failed, left to expiry",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) notify(ctx context.Context, ord orders.Order) {
	if o.Notifier == nil {
		return
	}
	o.Notifier.Notify(ctx, orders.Notification{
		OrderID:    ord.OrderID,
		CustomerID: ord.CustomerID,
		Status:     ord.Status,
		Total:      ord.Total,
		Reason:     ord.FailureReason,
		Timestamp:  o.Now().UTC(),
	})
}

func shortfallReason(short []inventory.Shortfall) string {
	parts := make([]string, 0, len(short))
	for _, s := range short {
		parts = append(parts, fmt.Sprintf("%s requested %d available %d", s.SKU, s.Requested, s.Available))
	}
	return "insufficient inventory: " + strings.Join(parts, "; ")
}
