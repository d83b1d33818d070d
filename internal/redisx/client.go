// Package redisx holds the Redis-backed helpers: idempotency key pinning,
// the terminal order cache and side-effect dedup.
package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Pinner implements orders.KeyPinner with SETNX.
type Pinner struct {
	RDB *redis.Client
	TTL time.Duration
}

func NewPinner(rdb *redis.Client) *Pinner { return &Pinner{RDB: rdb, TTL: TTLIdempotency} }

func (p *Pinner) Pin(ctx context.Context, name, candidate string) (string, error) {
	key := fmt.Sprintf(KeyIdemOrderCreate, name)
	ok, err := p.RDB.SetNX(ctx, key, candidate, p.TTL).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return candidate, nil
	}
	v, err := p.RDB.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return p.Pin(ctx, name, candidate)
	}
	return v, err
}

var _ orders.KeyPinner = (*Pinner)(nil)

// OrderCache keeps snapshots of orders that reached a terminal status.
// Those never change, so a hit is always current.
type OrderCache struct {
	RDB *redis.Client
	TTL time.Duration
}

func NewOrderCache(rdb *redis.Client) *OrderCache { return &OrderCache{RDB: rdb, TTL: TTLOrderCache} }

func (c *OrderCache) Get(ctx context.Context, orderID string) (orders.Order, bool, error) {
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrder, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return orders.Order{}, false, err
	}
	return o, true, nil
}

// Put stores o only when its status is terminal.
func (c *OrderCache) Put(ctx context.Context, o orders.Order) error {
	if !o.Status.Terminal() {
		return nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrder, o.OrderID), b, c.TTL).Err()
}

// Dedup remembers ids a service already acted on.
type Dedup struct {
	RDB     *redis.Client
	Service string
	TTL     time.Duration
}

func NewDedup(rdb *redis.Client, service string) *Dedup {
	return &Dedup{RDB: rdb, Service: service, TTL: TTLDedup}
}

// FirstSeen marks id and reports whether this is the first time.
func (d *Dedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, id), 1, d.TTL).Result()
}
