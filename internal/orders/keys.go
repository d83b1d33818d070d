package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// KeyPinner stores candidate under name unless a value is already pinned and
// returns whichever value is in effect.
type KeyPinner interface {
	Pin(ctx context.Context, name, candidate string) (string, error)
}

// KeyDeriver produces the primary key for a create request before the write.
// Retries carrying the same idempotency key get the same key back, so they
// collide on the primary record's not-exists guard.
//
// Callers must not mint a fresh key per attempt; that defeats idempotency.
type KeyDeriver struct {
	Pinner KeyPinner
	Node   *snowflake.Node
	Now    func() time.Time
}

func NewKeyDeriver(p KeyPinner, nodeID int64) (*KeyDeriver, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return &KeyDeriver{Pinner: p, Node: node, Now: time.Now}, nil
}

func (d *KeyDeriver) Derive(ctx context.Context, customerID, idempotencyKey string) (Key, error) {
	candidate := SortKey(d.Now().UTC(), d.Node.Generate().String())
	name := customerID + ":" + idempotencyKey
	pinned, err := d.Pinner.Pin(ctx, name, candidate)
	if err != nil {
		return Key{}, fmt.Errorf("pin order key: %w", err)
	}
	if _, _, ok := ParseSortKey(pinned); !ok {
		return Key{}, fmt.Errorf("pinned order key %q is malformed", pinned)
	}
	return Key{CustomerID: customerID, SortKey: pinned}, nil
}
