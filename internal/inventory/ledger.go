package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInventoryChanged means stock moved between the check and the commit.
	// Retry Reserve from scratch.
	ErrInventoryChanged = errors.New("inventory changed during reservation")
	ErrInvalidRequest   = errors.New("invalid reservation request")
	ErrBelowReserved    = errors.New("available quantity below reserved quantity")
)

// Store is the storage contract of the ledger. CommitReservation is the only
// path that raises quantityReserved; ReleaseReservation the only one that
// lowers it.
type Store interface {
	GetStock(ctx context.Context, storeID string, skus []string) (map[string]Record, error)
	// PutStock inserts a record as given, or updates everything except
	// quantityReserved on an existing one. ErrBelowReserved if the new
	// available quantity would not cover the current holds.
	PutStock(ctx context.Context, rec Record) error
	// CommitReservation increments quantityReserved for every item, each
	// guarded by available >= requested, and inserts r. All or nothing. A
	// RELEASED reservation with the same ID is replaced; any other is a
	// Conflict.
	CommitReservation(ctx context.Context, r Reservation) (store.Outcome, error)
	GetReservation(ctx context.Context, id string) (Reservation, error)
	ConfirmReservation(ctx context.Context, id string, at time.Time) (store.Outcome, error)
	// ReleaseReservation moves a PENDING or CONFIRMED reservation to RELEASED
	// and returns its holds, atomically.
	ReleaseReservation(ctx context.Context, id string, at time.Time) (store.Outcome, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

type Ledger struct {
	Store   Store
	TTL     time.Duration
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewLedger(s Store, ttl time.Duration, log *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{Store: s, TTL: ttl, Log: log, Metrics: m, Now: time.Now}
}

// ReservationID is derived from the order so a redelivered work item finds
// the hold it already made.
func ReservationID(orderID string) string { return "rsv-" + orderID }

type ReserveResult struct {
	Reservation *Reservation
	Shortfalls  []Shortfall
}

func (r ReserveResult) Reserved() bool { return r.Reservation != nil }

// Reserve holds every item or none. A shortfall is a result, not an error;
// ErrInventoryChanged means a concurrent reservation won the race.
func (l *Ledger) Reserve(ctx context.Context, orderID, storeID string, items []Item) (ReserveResult, error) {
	if err := checkItems(orderID, storeID, items); err != nil {
		return ReserveResult{}, err
	}

	id := ReservationID(orderID)
	if existing, ok, err := l.activeReservation(ctx, id); err != nil {
		return ReserveResult{}, err
	} else if ok {
		l.Log.Info("reservation already held", zap.String("order_id", orderID), zap.String("reservation_id", id))
		return ReserveResult{Reservation: &existing}, nil
	}

	skus := make([]string, 0, len(items))
	for _, it := range items {
		skus = append(skus, it.SKU)
	}
	stock, err := l.Store.GetStock(ctx, storeID, skus)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("read stock: %w", err)
	}

	var short []Shortfall
	for _, it := range items {
		available := 0
		if rec, ok := stock[it.SKU]; ok {
			available = rec.Sellable()
		}
		if available < it.Quantity {
			short = append(short, Shortfall{SKU: it.SKU, Requested: it.Quantity, Available: available})
		}
	}
	if len(short) > 0 {
		l.Metrics.ReservationRejected()
		l.Log.Info("insufficient inventory",
			zap.String("order_id", orderID),
			zap.String("store_id", storeID),
			zap.Any("shortfalls", short),
		)
		return ReserveResult{Shortfalls: short}, nil
	}

	now := l.Now().UTC()
	res := Reservation{
		ReservationID: id,
		OrderID:       orderID,
		StoreID:       storeID,
		Items:         append([]Item(nil), items...),
		Status:        ReservationPending,
		ExpiresAt:     now.Add(l.TTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	outcome, err := l.Store.CommitReservation(ctx, res)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("commit reservation: %w", err)
	}
	if outcome == store.Conflict {
		// a concurrent delivery of the same order may have committed first
		if existing, ok, err := l.activeReservation(ctx, id); err != nil {
			return ReserveResult{}, err
		} else if ok {
			return ReserveResult{Reservation: &existing}, nil
		}
		l.Metrics.ReservationConflict()
		l.Log.Info("reservation commit lost a race", zap.String("order_id", orderID))
		return ReserveResult{}, ErrInventoryChanged
	}

	l.Log.Info("inventory reserved",
		zap.String("order_id", orderID),
		zap.String("reservation_id", id),
		zap.Time("expires_at", res.ExpiresAt),
	)
	return ReserveResult{Reservation: &res}, nil
}

func (l *Ledger) activeReservation(ctx context.Context, id string) (Reservation, bool, error) {
	r, err := l.Store.GetReservation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, fmt.Errorf("read reservation: %w", err)
	}
	return r, r.Status != ReservationReleased, nil
}

func checkItems(orderID, storeID string, items []Item) error {
	if orderID == "" || storeID == "" {
		return fmt.Errorf("%w: order and store are required", ErrInvalidRequest)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidRequest, it.SKU)
		}
		if seen[it.SKU] {
			return fmt.Errorf("%w: duplicate sku %s", ErrInvalidRequest, it.SKU)
		}
		seen[it.SKU] = true
	}
	return nil
}

// Confirm marks a pending reservation as backing a confirmed order. It
// reports false when the reservation is missing or no longer pending.
func (l *Ledger) Confirm(ctx context.Context, reservationID string) (bool, error) {
	outcome, err := l.Store.ConfirmReservation(ctx, reservationID, l.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirm reservation: %w", err)
	}
	return outcome == store.Applied, nil
}

// Release returns the held quantity. Releasing twice is a no-op reported as
// false.
func (l *Ledger) Release(ctx context.Context, reservationID, cause string) (bool, error) {
	outcome, err := l.Store.ReleaseReservation(ctx, reservationID, l.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	if outcome == store.Conflict {
		return false, nil
	}
	l.Metrics.ReservationReleased(cause)
	l.Log.Info("reservation released", zap.String("reservation_id", reservationID), zap.String("cause", cause))
	return true, nil
}

const sweepBatch = 100

// SweepExpired releases pending reservations past their expiry and returns
// how many it released.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := l.Store.ExpiredReservations(ctx, l.Now().UTC(), sweepBatch)
		if err != nil {
			return total, fmt.Errorf("list expired reservations: %w", err)
		}
		released := 0
		for _, r := range expired {
			ok, err := l.Release(ctx, r.ReservationID, "expired")
			if err != nil {
				return total, err
			}
			if ok {
				released++
			}
		}
		total += released
		if len(expired) < sweepBatch || released == 0 {
			return total, nil
		}
	}
}

// Restock sets the stock of one SKU. It refuses to drop below what is held.
func (l *Ledger) Restock(ctx context.Context, rec Record) error {
	if rec.QuantityAvailable < 0 || rec.QuantityReserved < 0 {
		return fmt.Errorf("%w: negative quantity", ErrInvalidRequest)
	}
	if rec.QuantityReserved > rec.QuantityAvailable {
		return ErrBelowReserved
	}
	rec.UpdatedAt = l.Now().UTC()
	return l.Store.PutStock(ctx, rec)
}
