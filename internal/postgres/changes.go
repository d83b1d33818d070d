package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/jackc/pgx/v5"
)

func appendChange(ctx context.Context, tx pgx.Tx, kind orders.ChangeKind, key orders.Key, before, after []byte, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_changes (event_kind, order_key, before_doc, after_doc, changed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(kind), key.String(), nullJSON(before), nullJSON(after), at)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// PendingChanges returns unrelayed change records in seq order.
func (s *Store) PendingChanges(ctx context.Context, limit int) ([]orders.Change, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT seq, event_kind, order_key, before_doc, after_doc, changed_at
		FROM order_changes WHERE relayed_at IS NULL
		ORDER BY seq LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Change
	for rows.Next() {
		var (
			c             orders.Change
			kind          string
			before, after []byte
		)
		if err := rows.Scan(&c.Seq, &kind, &c.OrderKey, &before, &after, &c.At); err != nil {
			return nil, err
		}
		c.EventKind = orders.ChangeKind(kind)
		if before != nil {
			o, err := decodeOrder(before)
			if err != nil {
				return nil, err
			}
			c.Before = &o
		}
		if after != nil {
			o, err := decodeOrder(after)
			if err != nil {
				return nil, err
			}
			c.After = &o
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) MarkRelayed(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `UPDATE order_changes SET relayed_at = now() WHERE seq = ANY($1)`, seqs)
	return err
}
