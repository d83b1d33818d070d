package redisx

import "time"

const (
	// Pinned order key per create request: idem:order:create:{customerId:idempotencyKey} -> sortKey
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Terminal order snapshot: order:{order_id} -> order JSON
	KeyOrder = "order:%s"

	// Dedup for side effects: dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLOrderCache  = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
