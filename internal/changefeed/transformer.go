package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/observability"
	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/order-saga/internal/changefeed")

// Sink publishes the events of one change record as a single batch. Any
// error means the batch may be partially published.
type Sink interface {
	PublishBatch(ctx context.Context, events []orders.DomainEvent) error
}

type Transformer struct {
	Sink Sink
	// Repo, when set, reconciles the by-ID projection from every image.
	Repo        *orders.Repository
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Concurrency int
}

// HandleBatch transforms and publishes each change record. A failed record
// is redelivered whole, and so is every later record of the same order key
// in the batch, so per-key order survives redelivery.
func (t *Transformer) HandleBatch(ctx context.Context, msgs []queue.Message) queue.BatchResult {
	return queue.Run(ctx, msgs, queue.Options{Limit: t.Concurrency, HaltKeyOnFailure: true}, t.handle)
}

func (t *Transformer) handle(ctx context.Context, m queue.Message) queue.Outcome {
	var c orders.Change
	if err := json.Unmarshal(m.Body, &c); err != nil {
		t.Log.Error("undecodable change record", zap.String("message_id", m.ID), zap.Error(err))
		return queue.Reject
	}
	ctx = observability.ExtractMap(ctx, m.Headers)
	if err := t.Apply(ctx, c); err != nil {
		t.Log.Warn("change record failed, will be redelivered",
			zap.String("order_key", c.OrderKey),
			zap.Int64("seq", c.Seq),
			zap.Error(err),
		)
		return queue.Retry
	}
	return queue.Done
}

// Apply publishes the events derived from c.
func (t *Transformer) Apply(ctx context.Context, c orders.Change) error {
	ctx, span := tracer.Start(ctx, "changefeed.transform")
	defer span.End()
	span.SetAttributes(
		attribute.String("change.kind", string(c.EventKind)),
		attribute.String("order.key", c.OrderKey),
		attribute.Int64("change.seq", c.Seq),
	)

	if c.EventKind == orders.ChangeRemove {
		t.Log.Warn("order hard-deleted", zap.String("order_key", c.OrderKey), zap.Int64("seq", c.Seq))
	}
	if t.Repo != nil && c.After != nil {
		if err := t.Repo.Reconcile(ctx, *c.After); err != nil {
			t.Log.Warn("projection reconcile failed", zap.String("order_id", c.After.OrderID), zap.Error(err))
		}
	}

	events := Transform(c)
	if len(events) == 0 {
		return nil
	}
	if err := t.Sink.PublishBatch(ctx, events); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %d events: %w", len(events), err)
	}
	for _, ev := range events {
		t.Metrics.EventPublished(string(ev.EventType))
	}
	t.Log.Debug("change record published",
		zap.String("order_key", c.OrderKey),
		zap.Int("events", len(events)),
	)
	return nil
}
