package mirror

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func getMySQL(t *testing.T) *MySQL {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/orders?parseTime=true"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := &MySQL{DB: db, Log: zaptest.NewLogger(t)}
	require.NoError(t, m.Migrate(context.Background()))
	return m
}

func event(id string, t orders.EventType, status orders.Status, version int64) orders.DomainEvent {
	return orders.DomainEvent{
		EventID:      orders.EventID(id, t, version),
		EventType:    t,
		OrderID:      id,
		CustomerID:   "c-1",
		StoreID:      "s-1",
		Status:       status,
		PaymentState: orders.PaymentPending,
		Total:        105.84,
		Version:      version,
		Timestamp:    time.Now().UTC(),
	}
}

func TestApplyIgnoresStaleEvents(t *testing.T) {
	m := getMySQL(t)
	ctx := context.Background()
	id := "mirror-" + uuid.NewString()
	defer m.DB.ExecContext(ctx, `DELETE FROM legacy_orders WHERE order_id = ?`, id)

	require.NoError(t, m.Apply(ctx, event(id, orders.EventOrderCreated, orders.StatusPending, 1)))
	require.NoError(t, m.Apply(ctx, event(id, orders.EventOrderStatusChanged, orders.StatusConfirmed, 2)))
	// redelivered older event
	require.NoError(t, m.Apply(ctx, event(id, orders.EventOrderCreated, orders.StatusPending, 1)))

	row, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", row.Status)
	assert.Equal(t, int64(2), row.Version)
	assert.InDelta(t, 105.84, row.Total, 0.001)
}

func TestApplyDeleteMarksRow(t *testing.T) {
	m := getMySQL(t)
	ctx := context.Background()
	id := "mirror-" + uuid.NewString()
	defer m.DB.ExecContext(ctx, `DELETE FROM legacy_orders WHERE order_id = ?`, id)

	require.NoError(t, m.Apply(ctx, event(id, orders.EventOrderCreated, orders.StatusPending, 1)))
	require.NoError(t, m.Apply(ctx, event(id, orders.EventOrderDeleted, orders.StatusPending, 1)))

	row, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, row.Deleted)
}

func TestGetMissingRow(t *testing.T) {
	m := getMySQL(t)
	_, err := m.Get(context.Background(), "mirror-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
