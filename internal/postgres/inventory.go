package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/inventory"
	"github.com/ariefcatur/order-saga/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func (s *Store) GetStock(ctx context.Context, storeID string, skus []string) (map[string]inventory.Record, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT store_id, sku, quantity_available, quantity_reserved, reorder_level, unit_cost::float8, updated_at
		FROM inventory WHERE store_id = $1 AND sku = ANY($2)`, storeID, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]inventory.Record, len(skus))
	for rows.Next() {
		var r inventory.Record
		if err := rows.Scan(&r.StoreID, &r.SKU, &r.QuantityAvailable, &r.QuantityReserved,
			&r.ReorderLevel, &r.UnitCost, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out[r.SKU] = r
	}
	return out, rows.Err()
}

// PutStock inserts rec as given, or sets everything but the reserved count
// on an existing row.
func (s *Store) PutStock(ctx context.Context, rec inventory.Record) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO inventory (store_id, sku, quantity_available, quantity_reserved, reorder_level, unit_cost, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (store_id, sku) DO UPDATE
		SET quantity_available = EXCLUDED.quantity_available,
		    reorder_level      = EXCLUDED.reorder_level,
		    unit_cost          = EXCLUDED.unit_cost,
		    updated_at         = EXCLUDED.updated_at`,
		rec.StoreID, rec.SKU, rec.QuantityAvailable, rec.QuantityReserved, rec.ReorderLevel, rec.UnitCost, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return inventory.ErrBelowReserved
	}
	return err
}

// CommitReservation bumps every line's reserved count and inserts the
// reservation in one transaction. Any line without enough sellable stock
// rolls the whole thing back. A RELEASED row with the same ID is taken over;
// a live one is a Conflict.
func (s *Store) CommitReservation(ctx context.Context, r inventory.Reservation) (store.Outcome, error) {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return store.Conflict, err
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Conflict, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO reservations (reservation_id, order_id, store_id, items, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (reservation_id) DO UPDATE
		SET order_id = EXCLUDED.order_id, store_id = EXCLUDED.store_id, items = EXCLUDED.items,
			status = EXCLUDED.status, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
		WHERE reservations.status = $8`,
		r.ReservationID, r.OrderID, r.StoreID, items, string(r.Status), r.ExpiresAt, r.CreatedAt,
		string(inventory.ReservationReleased))
	if err != nil {
		return store.Conflict, fmt.Errorf("insert reservation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.Conflict, nil
	}

	for _, it := range r.Items {
		ct, err := tx.Exec(ctx, `
			UPDATE inventory
			SET quantity_reserved = quantity_reserved + $3, updated_at = $4
			WHERE store_id = $1 AND sku = $2 AND quantity_available - quantity_reserved >= $3`,
			r.StoreID, it.SKU, it.Quantity, r.CreatedAt)
		if err != nil {
			return store.Conflict, fmt.Errorf("reserve %s: %w", it.SKU, err)
		}
		if ct.RowsAffected() == 0 {
			return store.Conflict, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Conflict, err
	}
	return store.Applied, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (inventory.Reservation, error) {
	r, err := scanReservation(s.DB.QueryRow(ctx, `
		SELECT reservation_id, order_id, store_id, items, status, expires_at, created_at, updated_at
		FROM reservations WHERE reservation_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Reservation{}, store.ErrNotFound
	}
	return r, err
}

func (s *Store) ConfirmReservation(ctx context.Context, id string, at time.Time) (store.Outcome, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE reservations SET status = $2, updated_at = $3
		WHERE reservation_id = $1 AND status = $4`,
		id, string(inventory.ReservationConfirmed), at, string(inventory.ReservationPending))
	if err != nil {
		return store.Conflict, err
	}
	if ct.RowsAffected() == 1 {
		return store.Applied, nil
	}
	if _, err := s.GetReservation(ctx, id); err != nil {
		return store.Conflict, err
	}
	return store.Conflict, nil
}

// ReleaseReservation returns the held quantities and marks the reservation
// released. Releasing twice is a Conflict.
func (s *Store) ReleaseReservation(ctx context.Context, id string, at time.Time) (store.Outcome, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Conflict, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := scanReservation(tx.QueryRow(ctx, `
		SELECT reservation_id, order_id, store_id, items, status, expires_at, created_at, updated_at
		FROM reservations WHERE reservation_id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Conflict, store.ErrNotFound
	}
	if err != nil {
		return store.Conflict, err
	}
	if r.Status == inventory.ReservationReleased {
		return store.Conflict, nil
	}

	for _, it := range r.Items {
		if _, err := tx.Exec(ctx, `
			UPDATE inventory
			SET quantity_reserved = GREATEST(quantity_reserved - $3, 0), updated_at = $4
			WHERE store_id = $1 AND sku = $2`,
			r.StoreID, it.SKU, it.Quantity, at); err != nil {
			return store.Conflict, fmt.Errorf("release %s: %w", it.SKU, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE reservations SET status = $2, updated_at = $3 WHERE reservation_id = $1`,
		id, string(inventory.ReservationReleased), at); err != nil {
		return store.Conflict, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Conflict, err
	}
	return store.Applied, nil
}

func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]inventory.Reservation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT reservation_id, order_id, store_id, items, status, expires_at, created_at, updated_at
		FROM reservations WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at LIMIT $3`, string(inventory.ReservationPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(row pgx.Row) (inventory.Reservation, error) {
	var (
		r      inventory.Reservation
		items  []byte
		status string
	)
	if err := row.Scan(&r.ReservationID, &r.OrderID, &r.StoreID, &items, &status,
		&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return inventory.Reservation{}, err
	}
	r.Status = inventory.ReservationStatus(status)
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return inventory.Reservation{}, fmt.Errorf("decode reservation items: %w", err)
	}
	return r, nil
}
