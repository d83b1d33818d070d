// Package postgres is the pgx storage backend: order primary records, the
// by-ID projection, the change log, inventory and reservations. Every
// conditional write runs in one transaction with the change-log append it
// produces.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultMaxConns = 8

// Connect opens a pool and pings it. maxConns <= 0 uses the default.
func Connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	customer_id TEXT        NOT NULL,
	sort_key    TEXT        NOT NULL,
	order_id    TEXT        NOT NULL,
	store_id    TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	version     BIGINT      NOT NULL,
	doc         JSONB       NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (customer_id, sort_key)
);
CREATE INDEX IF NOT EXISTS idx_orders_store ON orders (store_id, sort_key DESC);

CREATE TABLE IF NOT EXISTS orders_by_id (
	order_id   TEXT        PRIMARY KEY,
	version    BIGINT      NOT NULL,
	doc        JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS order_changes (
	seq        BIGSERIAL   PRIMARY KEY,
	event_kind TEXT        NOT NULL,
	order_key  TEXT        NOT NULL,
	before_doc JSONB,
	after_doc  JSONB,
	changed_at TIMESTAMPTZ NOT NULL,
	relayed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_order_changes_pending ON order_changes (seq) WHERE relayed_at IS NULL;

CREATE TABLE IF NOT EXISTS inventory (
	store_id           TEXT           NOT NULL,
	sku                TEXT           NOT NULL,
	quantity_available INT            NOT NULL CHECK (quantity_available >= 0),
	quantity_reserved  INT            NOT NULL DEFAULT 0 CHECK (quantity_reserved >= 0),
	reorder_level      INT            NOT NULL DEFAULT 0,
	unit_cost          NUMERIC(12, 2) NOT NULL DEFAULT 0,
	updated_at         TIMESTAMPTZ    NOT NULL,
	PRIMARY KEY (store_id, sku),
	CHECK (quantity_reserved <= quantity_available)
);

CREATE TABLE IF NOT EXISTS reservations (
	reservation_id TEXT        PRIMARY KEY,
	order_id       TEXT        NOT NULL,
	store_id       TEXT        NOT NULL,
	items          JSONB       NOT NULL,
	status         TEXT        NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations (expires_at) WHERE status = 'PENDING';
`

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }
