package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/queue"
	"github.com/ariefcatur/order-saga/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeOutlet struct {
	mu     sync.Mutex
	topics map[string][]queue.Message
	err    error
}

func (f *fakeOutlet) Send(_ context.Context, topic string, msgs []queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.topics == nil {
		f.topics = map[string][]queue.Message{}
	}
	f.topics[topic] = append(f.topics[topic], msgs...)
	return nil
}

func seedOrder(t *testing.T, repo *orders.Repository, id string) orders.Order {
	o := orders.Order{
		OrderID:        id,
		CustomerID:     "c-1",
		OrderTimestamp: time.Now().UTC(),
		StoreID:        "s-1",
		Items:          []orders.Item{{SKU: "A", Name: "a", Quantity: 1, UnitPrice: 2}},
	}
	created, _, err := repo.Create(context.Background(), o)
	require.NoError(t, err)
	return created
}

func TestRelayEnqueuesWorkForInserts(t *testing.T) {
	st := memory.New()
	repo := orders.NewRepository(st, zaptest.NewLogger(t), nil)
	o := seedOrder(t, repo, "o-1")
	_, err := repo.TransitionStatus(context.Background(), o.Key(), o.OrderID, orders.Transition{To: orders.StatusFailed})
	require.NoError(t, err)

	out := &fakeOutlet{}
	r := &Relay{Source: st, Outlet: out, Log: zaptest.NewLogger(t)}
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, out.topics[orders.TopicChanges], 2)
	assert.Equal(t, o.Key().String(), out.topics[orders.TopicChanges][0].Key)

	work := out.topics[orders.TopicWork]
	require.Len(t, work, 1)
	var item orders.WorkItem
	require.NoError(t, json.Unmarshal(work[0].Body, &item))
	assert.Equal(t, "o-1", item.OrderID)
	assert.Equal(t, o.Key(), item.Key())
	assert.Equal(t, orders.ActionProcess, item.Action)

	// nothing left to relay
	n, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayDuplicateCreateIsNotQueuedAgain(t *testing.T) {
	st := memory.New()
	repo := orders.NewRepository(st, zaptest.NewLogger(t), nil)
	o := seedOrder(t, repo, "o-1")
	_, existed, err := repo.Create(context.Background(), o)
	require.NoError(t, err)
	require.True(t, existed)

	out := &fakeOutlet{}
	r := &Relay{Source: st, Outlet: out, Log: zaptest.NewLogger(t)}
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.topics[orders.TopicWork], 1)
}

func TestRelayKeepsRecordsWhenSendFails(t *testing.T) {
	st := memory.New()
	repo := orders.NewRepository(st, zaptest.NewLogger(t), nil)
	seedOrder(t, repo, "o-1")

	out := &fakeOutlet{err: errors.New("broker down")}
	r := &Relay{Source: st, Outlet: out, Log: zaptest.NewLogger(t)}
	_, err := r.RunOnce(context.Background())
	require.Error(t, err)

	pending, err := st.PendingChanges(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
