package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/store"
	"github.com/jackc/pgx/v5"
)

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) (store.Outcome, error) {
	doc, err := json.Marshal(o)
	if err != nil {
		return store.Conflict, err
	}
	key := o.Key()

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Conflict, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO orders (customer_id, sort_key, order_id, store_id, status, version, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (customer_id, sort_key) DO NOTHING`,
		key.CustomerID, key.SortKey, o.OrderID, o.StoreID, string(o.Status), o.Version, doc, o.UpdatedAt)
	if err != nil {
		return store.Conflict, fmt.Errorf("insert order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.Conflict, nil
	}
	if err := appendChange(ctx, tx, orders.ChangeInsert, key, nil, doc, o.UpdatedAt); err != nil {
		return store.Conflict, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Conflict, err
	}
	return store.Applied, nil
}

func (s *Store) GetOrder(ctx context.Context, key orders.Key) (orders.Order, error) {
	var doc []byte
	err := s.DB.QueryRow(ctx, `SELECT doc FROM orders WHERE customer_id = $1 AND sort_key = $2`,
		key.CustomerID, key.SortKey).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, store.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	return decodeOrder(doc)
}

// UpdateStatus locks the row, checks the guard and writes the new image
// together with its change record.
func (s *Store) UpdateStatus(ctx context.Context, key orders.Key, u orders.StatusUpdate) (orders.Order, store.Outcome, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return orders.Order{}, store.Conflict, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var beforeDoc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM orders WHERE customer_id = $1 AND sort_key = $2 FOR UPDATE`,
		key.CustomerID, key.SortKey).Scan(&beforeDoc)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, store.Conflict, store.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, store.Conflict, err
	}
	before, err := decodeOrder(beforeDoc)
	if err != nil {
		return orders.Order{}, store.Conflict, err
	}
	if !u.Allows(before.Status) {
		return before, store.Conflict, nil
	}

	after := u.Apply(before)
	afterDoc, err := json.Marshal(after)
	if err != nil {
		return orders.Order{}, store.Conflict, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $3, version = $4, doc = $5, updated_at = $6
		WHERE customer_id = $1 AND sort_key = $2`,
		key.CustomerID, key.SortKey, string(after.Status), after.Version, afterDoc, after.UpdatedAt); err != nil {
		return orders.Order{}, store.Conflict, fmt.Errorf("update order: %w", err)
	}
	if err := appendChange(ctx, tx, orders.ChangeModify, key, beforeDoc, afterDoc, u.At); err != nil {
		return orders.Order{}, store.Conflict, err
	}
	if err := tx.Commit(ctx); err != nil {
		return orders.Order{}, store.Conflict, err
	}
	return after, store.Applied, nil
}

// RemoveOrder hard-deletes a primary record and logs a REMOVE change.
// Normal operation never calls it.
func (s *Store) RemoveOrder(ctx context.Context, key orders.Key) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var doc []byte
	err = tx.QueryRow(ctx, `DELETE FROM orders WHERE customer_id = $1 AND sort_key = $2 RETURNING doc`,
		key.CustomerID, key.SortKey).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := appendChange(ctx, tx, orders.ChangeRemove, key, doc, nil, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) PutProjection(ctx context.Context, o orders.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO orders_by_id (order_id, version, doc, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO UPDATE
		SET version = EXCLUDED.version, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
		WHERE orders_by_id.version < EXCLUDED.version`,
		o.OrderID, o.Version, doc, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put projection: %w", err)
	}
	return nil
}

func (s *Store) GetProjection(ctx context.Context, orderID string) (orders.Order, error) {
	var doc []byte
	err := s.DB.QueryRow(ctx, `SELECT doc FROM orders_by_id WHERE order_id = $1`, orderID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, store.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	return decodeOrder(doc)
}

func (s *Store) ListByCustomer(ctx context.Context, customerID, after string, limit int) ([]orders.Order, error) {
	return s.list(ctx, `
		SELECT doc FROM orders
		WHERE customer_id = $1 AND ($2 = '' OR sort_key < $2)
		ORDER BY sort_key DESC LIMIT $3`, customerID, after, limit)
}

func (s *Store) ListByStore(ctx context.Context, storeID, after string, limit int) ([]orders.Order, error) {
	return s.list(ctx, `
		SELECT doc FROM orders
		WHERE store_id = $1 AND ($2 = '' OR sort_key < $2)
		ORDER BY sort_key DESC LIMIT $3`, storeID, after, limit)
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]orders.Order, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	out := make([]orders.Order, 0, len(docs))
	for _, d := range docs {
		o, err := decodeOrder(d)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func decodeOrder(doc []byte) (orders.Order, error) {
	var o orders.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return orders.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return o, nil
}
