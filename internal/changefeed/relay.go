package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/observability"
	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/queue"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Source is the unrelayed tail of the change log, oldest first.
type Source interface {
	PendingChanges(ctx context.Context, limit int) ([]orders.Change, error)
	MarkRelayed(ctx context.Context, seqs []int64) error
}

// Outlet writes messages to a topic and returns once they are durable.
type Outlet interface {
	Send(ctx context.Context, topic string, msgs []queue.Message) error
}

// Relay drains the change log onto the change topic and enqueues a work item
// for every INSERT. A crash between send and mark re-sends the same records;
// downstream consumers are idempotent.
type Relay struct {
	Source    Source
	Outlet    Outlet
	BatchSize int
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

const defaultRelayBatch = 100

// RunOnce relays one batch and returns how many records it moved.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	changes, err := r.Source.PendingChanges(ctx, r.batchSize())
	if err != nil {
		return 0, fmt.Errorf("read change log: %w", err)
	}
	if len(changes) == 0 {
		return 0, nil
	}

	trace := observability.InjectMap(ctx)
	var (
		changeMsgs = make([]queue.Message, 0, len(changes))
		workMsgs   []queue.Message
		seqs       = make([]int64, 0, len(changes))
	)
	for _, c := range changes {
		body, err := json.Marshal(c)
		if err != nil {
			return 0, fmt.Errorf("encode change %d: %w", c.Seq, err)
		}
		changeMsgs = append(changeMsgs, queue.Message{
			ID:      strconv.FormatInt(c.Seq, 10),
			Key:     c.OrderKey,
			Body:    body,
			Headers: trace,
		})
		seqs = append(seqs, c.Seq)

		if c.EventKind == orders.ChangeInsert && c.After != nil {
			item := orders.WorkItem{
				OrderID:    c.After.OrderID,
				CustomerID: c.After.CustomerID,
				OrderKey:   c.After.Key().SortKey,
				Action:     orders.ActionProcess,
				Timestamp:  c.At,
			}
			wb, err := json.Marshal(item)
			if err != nil {
				return 0, fmt.Errorf("encode work item %s: %w", item.OrderID, err)
			}
			workMsgs = append(workMsgs, queue.Message{
				ID:      item.OrderID,
				Key:     item.OrderID,
				Body:    wb,
				Headers: trace,
			})
		}
	}

	if err := r.Outlet.Send(ctx, orders.TopicChanges, changeMsgs); err != nil {
		return 0, fmt.Errorf("send changes: %w", err)
	}
	if len(workMsgs) > 0 {
		if err := r.Outlet.Send(ctx, orders.TopicWork, workMsgs); err != nil {
			return 0, fmt.Errorf("send work items: %w", err)
		}
	}
	if err := r.Source.MarkRelayed(ctx, seqs); err != nil {
		return 0, fmt.Errorf("mark relayed: %w", err)
	}

	r.Metrics.Relayed(len(changes))
	r.Log.Debug("change records relayed",
		zap.Int("changes", len(changes)),
		zap.Int("work_items", len(workMsgs)),
		zap.Int64("last_seq", seqs[len(seqs)-1]),
	)
	return len(changes), nil
}

// Run polls every interval until ctx is done. A full batch is followed
// immediately by another; failures back off exponentially.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = interval
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0

	wait := interval
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		n, err := r.RunOnce(ctx)
		switch {
		case err != nil:
			wait = eb.NextBackOff()
			r.Log.Warn("relay pass failed", zap.Duration("retry_in", wait), zap.Error(err))
		case n > 0 && n == r.batchSize():
			eb.Reset()
			wait = 0
		default:
			eb.Reset()
			wait = interval
		}
	}
}

func (r *Relay) batchSize() int {
	if r.BatchSize <= 0 {
		return defaultRelayBatch
	}
	return r.BatchSize
}
