package inventory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/order-saga/internal/inventory"
	"github.com/ariefcatur/order-saga/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newLedger(t *testing.T) (*inventory.Ledger, *memory.Store) {
	st := memory.New()
	return inventory.NewLedger(st, 15*time.Minute, zaptest.NewLogger(t), nil), st
}

func stock(t *testing.T, l *inventory.Ledger, sku string, available, reserved int) {
	t.Helper()
	require.NoError(t, l.Restock(context.Background(), inventory.Record{
		StoreID: "store-1", SKU: sku, QuantityAvailable: available, QuantityReserved: reserved,
	}))
}

func reserved(t *testing.T, st *memory.Store, sku string) int {
	t.Helper()
	recs, err := st.GetStock(context.Background(), "store-1", []string{sku})
	require.NoError(t, err)
	return recs[sku].QuantityReserved
}

func TestReserveHoldsStock(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 10, 0)

	res, err := l.Reserve(context.Background(), "o-1", "store-1", []inventory.Item{{SKU: "WINE-001", Quantity: 4}})
	require.NoError(t, err)
	require.True(t, res.Reserved())
	assert.Equal(t, "rsv-o-1", res.Reservation.ReservationID)
	assert.Equal(t, inventory.ReservationPending, res.Reservation.Status)
	assert.Equal(t, 4, reserved(t, st, "WINE-001"))
}

func TestReserveReportsSellableQuantity(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 5, 3)

	res, err := l.Reserve(context.Background(), "o-1", "store-1", []inventory.Item{{SKU: "WINE-001", Quantity: 10}})
	require.NoError(t, err)
	assert.False(t, res.Reserved())
	require.Len(t, res.Shortfalls, 1)
	assert.Equal(t, inventory.Shortfall{SKU: "WINE-001", Requested: 10, Available: 2}, res.Shortfalls[0])
	assert.Equal(t, 3, reserved(t, st, "WINE-001"))
}

func TestReserveIsAllOrNothing(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 10, 0)
	stock(t, l, "CHEESE-01", 1, 0)

	res, err := l.Reserve(context.Background(), "o-1", "store-1", []inventory.Item{
		{SKU: "WINE-001", Quantity: 2},
		{SKU: "CHEESE-01", Quantity: 2},
		{SKU: "UNKNOWN", Quantity: 1},
	})
	require.NoError(t, err)
	assert.False(t, res.Reserved())
	assert.Len(t, res.Shortfalls, 2)
	assert.Zero(t, reserved(t, st, "WINE-001"))
	assert.Zero(t, reserved(t, st, "CHEESE-01"))
}

func TestReserveTwiceReturnsExistingHold(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 10, 0)
	items := []inventory.Item{{SKU: "WINE-001", Quantity: 3}}

	first, err := l.Reserve(context.Background(), "o-1", "store-1", items)
	require.NoError(t, err)
	again, err := l.Reserve(context.Background(), "o-1", "store-1", items)
	require.NoError(t, err)
	assert.Equal(t, first.Reservation.ReservationID, again.Reservation.ReservationID)
	assert.Equal(t, 3, reserved(t, st, "WINE-001"))
}

func TestReserveRejectsBadRequests(t *testing.T) {
	l, _ := newLedger(t)
	for name, items := range map[string][]inventory.Item{
		"empty":     nil,
		"zero":      {{SKU: "A", Quantity: 0}},
		"duplicate": {{SKU: "A", Quantity: 1}, {SKU: "A", Quantity: 1}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := l.Reserve(context.Background(), "o-1", "store-1", items)
			assert.ErrorIs(t, err, inventory.ErrInvalidRequest)
		})
	}
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 5, 0)

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderID := "o-" + string(rune('A'+i))
			res, err := l.Reserve(context.Background(), orderID, "store-1", []inventory.Item{{SKU: "WINE-001", Quantity: 1}})
			if err != nil {
				assert.True(t, errors.Is(err, inventory.ErrInventoryChanged), err)
				return
			}
			if res.Reserved() {
				won.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(5), won.Load())
	assert.Equal(t, 5, reserved(t, st, "WINE-001"))
}

func TestReleaseReturnsStockOnce(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 10, 0)
	_, err := l.Reserve(context.Background(), "o-1", "store-1", []inventory.Item{{SKU: "WINE-001", Quantity: 4}})
	require.NoError(t, err)

	ok, err := l.Confirm(context.Background(), "rsv-o-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Confirm(context.Background(), "rsv-o-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Release(context.Background(), "rsv-o-1", "cancelled")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Release(context.Background(), "rsv-o-1", "cancelled")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, reserved(t, st, "WINE-001"))

	ok, err = l.Release(context.Background(), "rsv-unknown", "cancelled")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveAgainAfterRelease(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 10, 0)
	ctx := context.Background()
	items := []inventory.Item{{SKU: "WINE-001", Quantity: 2}}

	_, err := l.Reserve(ctx, "o-1", "store-1", items)
	require.NoError(t, err)
	_, err = l.Release(ctx, "rsv-o-1", "expired")
	require.NoError(t, err)
	require.Zero(t, reserved(t, st, "WINE-001"))

	// the order is still pending and takes its released hold back
	res, err := l.Reserve(ctx, "o-1", "store-1", []inventory.Item{{SKU: "WINE-001", Quantity: 3}})
	require.NoError(t, err)
	require.True(t, res.Reserved())
	assert.Equal(t, 3, reserved(t, st, "WINE-001"))

	rsv, err := st.GetReservation(ctx, "rsv-o-1")
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationPending, rsv.Status)
	assert.Equal(t, 3, rsv.Items[0].Quantity)

	// a live hold is never replaced
	res, err = l.Reserve(ctx, "o-1", "store-1", items)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Reservation.Items[0].Quantity)
	assert.Equal(t, 3, reserved(t, st, "WINE-001"))
}

func TestConfirmUnknownReservation(t *testing.T) {
	l, _ := newLedger(t)
	ok, err := l.Confirm(context.Background(), "rsv-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepReleasesOnlyExpiredPending(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 10, 0)
	ctx := context.Background()
	for _, id := range []string{"o-1", "o-2", "o-3"} {
		_, err := l.Reserve(ctx, id, "store-1", []inventory.Item{{SKU: "WINE-001", Quantity: 1}})
		require.NoError(t, err)
	}
	_, err := l.Confirm(ctx, "rsv-o-2")
	require.NoError(t, err)

	n, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	l.Now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, reserved(t, st, "WINE-001"))

	rsv, err := st.GetReservation(ctx, "rsv-o-2")
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationConfirmed, rsv.Status)
}

func TestRestockKeepsHolds(t *testing.T) {
	l, st := newLedger(t)
	stock(t, l, "WINE-001", 10, 0)
	_, err := l.Reserve(context.Background(), "o-1", "store-1", []inventory.Item{{SKU: "WINE-001", Quantity: 6}})
	require.NoError(t, err)

	err = l.Restock(context.Background(), inventory.Record{StoreID: "store-1", SKU: "WINE-001", QuantityAvailable: 4})
	assert.ErrorIs(t, err, inventory.ErrBelowReserved)

	require.NoError(t, l.Restock(context.Background(), inventory.Record{StoreID: "store-1", SKU: "WINE-001", QuantityAvailable: 20}))
	assert.Equal(t, 6, reserved(t, st, "WINE-001"))

	err = l.Restock(context.Background(), inventory.Record{StoreID: "store-1", SKU: "X", QuantityAvailable: 1, QuantityReserved: 2})
	assert.ErrorIs(t, err, inventory.ErrBelowReserved)
}
