// Package mirror keeps the legacy relational order table in step with the
// domain-event bus. It is a best-effort replica: it never takes part in the
// saga, and it applies an event only when it is newer than what it holds.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/orders"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS legacy_orders (
	order_id      VARCHAR(64)    NOT NULL PRIMARY KEY,
	customer_id   VARCHAR(64)    NOT NULL,
	store_id      VARCHAR(64)    NOT NULL,
	status        VARCHAR(16)    NOT NULL,
	payment_state VARCHAR(16)    NOT NULL,
	total         DECIMAL(12, 2) NOT NULL,
	version       BIGINT         NOT NULL,
	updated_at    DATETIME(6)    NOT NULL,
	deleted_at    DATETIME(6)    NULL,
	INDEX idx_legacy_orders_customer (customer_id)
)`

func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

type MySQL struct {
	DB  *sql.DB
	Log *zap.Logger
}

func (m *MySQL) Migrate(ctx context.Context) error {
	if _, err := m.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate legacy_orders: %w", err)
	}
	return nil
}

// Apply upserts the row for ev. Columns are only overwritten by a strictly
// newer version, and version is assigned last so the comparisons above it
// still see the stored value.
func (m *MySQL) Apply(ctx context.Context, ev orders.DomainEvent) error {
	if ev.EventType == orders.EventOrderDeleted {
		_, err := m.DB.ExecContext(ctx,
			`UPDATE legacy_orders SET deleted_at = ? WHERE order_id = ? AND deleted_at IS NULL`,
			ev.Timestamp, ev.OrderID)
		if err != nil {
			return fmt.Errorf("mark deleted %s: %w", ev.OrderID, err)
		}
		m.Log.Warn("legacy order marked deleted", zap.String("order_id", ev.OrderID))
		return nil
	}

	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO legacy_orders (order_id, customer_id, store_id, status, payment_state, total, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status        = IF(VALUES(version) > version, VALUES(status), status),
			payment_state = IF(VALUES(version) > version, VALUES(payment_state), payment_state),
			total         = IF(VALUES(version) > version, VALUES(total), total),
			updated_at    = IF(VALUES(version) > version, VALUES(updated_at), updated_at),
			version       = GREATEST(version, VALUES(version))`,
		ev.OrderID, ev.CustomerID, ev.StoreID, string(ev.Status), string(ev.PaymentState),
		ev.Total, ev.Version, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", ev.OrderID, err)
	}
	m.Log.Debug("legacy order mirrored",
		zap.String("order_id", ev.OrderID),
		zap.String("event_type", string(ev.EventType)),
		zap.Int64("version", ev.Version),
	)
	return nil
}

type Row struct {
	OrderID      string
	Status       string
	PaymentState string
	Total        float64
	Version      int64
	Deleted      bool
}

func (m *MySQL) Get(ctx context.Context, orderID string) (Row, error) {
	var (
		r         Row
		deletedAt sql.NullTime
	)
	err := m.DB.QueryRowContext(ctx, `
		SELECT order_id, status, payment_state, total, version, deleted_at
		FROM legacy_orders WHERE order_id = ?`, orderID,
	).Scan(&r.OrderID, &r.Status, &r.PaymentState, &r.Total, &r.Version, &deletedAt)
	if err != nil {
		return Row{}, err
	}
	r.Deleted = deletedAt.Valid
	return r, nil
}
