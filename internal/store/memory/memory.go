// Package memory is an in-process storage backend with the same conditional
// write semantics as the Postgres one. Tests and local runs use it.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/order-saga/internal/inventory"
	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/store"
)

type stockKey struct{ storeID, sku string }

type Store struct {
	mu           sync.Mutex
	orders       map[orders.Key]orders.Order
	byID         map[string]orders.Order
	stock        map[stockKey]inventory.Record
	reservations map[string]inventory.Reservation
	changes      []orders.Change
	relayed      map[int64]bool
	seq          int64
	pins         map[string]string

	// ProjectionErr, when set, fails every projection write.
	ProjectionErr error
}

func New() *Store {
	return &Store{
		orders:       map[orders.Key]orders.Order{},
		byID:         map[string]orders.Order{},
		stock:        map[stockKey]inventory.Record{},
		reservations: map[string]inventory.Reservation{},
		relayed:      map[int64]bool{},
		pins:         map[string]string{},
	}
}

func clone(o orders.Order) orders.Order {
	o.Items = append([]orders.Item(nil), o.Items...)
	return o
}

func (s *Store) appendChange(kind orders.ChangeKind, key orders.Key, before, after *orders.Order, at time.Time) {
	s.seq++
	c := orders.Change{Seq: s.seq, EventKind: kind, OrderKey: key.String(), At: at}
	if before != nil {
		b := clone(*before)
		c.Before = &b
	}
	if after != nil {
		a := clone(*after)
		c.After = &a
	}
	s.changes = append(s.changes, c)
}

func (s *Store) InsertOrder(_ context.Context, o orders.Order) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := o.Key()
	if _, ok := s.orders[key]; ok {
		return store.Conflict, nil
	}
	s.orders[key] = clone(o)
	s.appendChange(orders.ChangeInsert, key, nil, &o, o.UpdatedAt)
	return store.Applied, nil
}

func (s *Store) GetOrder(_ context.Context, key orders.Key) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[key]
	if !ok {
		return orders.Order{}, store.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) UpdateStatus(_ context.Context, key orders.Key, u orders.StatusUpdate) (orders.Order, store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.orders[key]
	if !ok {
		return orders.Order{}, store.Conflict, store.ErrNotFound
	}
	if !u.Allows(before.Status) {
		return clone(before), store.Conflict, nil
	}
	after := u.Apply(clone(before))
	s.orders[key] = after
	s.appendChange(orders.ChangeModify, key, &before, &after, u.At)
	return clone(after), store.Applied, nil
}

// RemoveOrder hard-deletes a primary record. Normal operation never does
// this; it exists to exercise the REMOVE path of the change feed.
func (s *Store) RemoveOrder(_ context.Context, key orders.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.orders[key]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.orders, key)
	s.appendChange(orders.ChangeRemove, key, &before, nil, time.Now().UTC())
	return nil
}

func (s *Store) PutProjection(_ context.Context, o orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ProjectionErr != nil {
		return s.ProjectionErr
	}
	if cur, ok := s.byID[o.OrderID]; ok && cur.Version >= o.Version {
		return nil
	}
	s.byID[o.OrderID] = clone(o)
	return nil
}

func (s *Store) GetProjection(_ context.Context, orderID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[orderID]
	if !ok {
		return orders.Order{}, store.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) ListByCustomer(_ context.Context, customerID, after string, limit int) ([]orders.Order, error) {
	return s.list(func(o orders.Order) bool { return o.CustomerID == customerID }, after, limit), nil
}

func (s *Store) ListByStore(_ context.Context, storeID, after string, limit int) ([]orders.Order, error) {
	return s.list(func(o orders.Order) bool { return o.StoreID == storeID }, after, limit), nil
}

// list walks newest first, strictly below the after cursor.
func (s *Store) list(match func(orders.Order) bool, after string, limit int) []orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Order
	for k, o := range s.orders {
		if !match(o) || (after != "" && k.SortKey >= after) {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().SortKey > out[j].Key().SortKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) GetStock(_ context.Context, storeID string, skus []string) (map[string]inventory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]inventory.Record, len(skus))
	for _, sku := range skus {
		if rec, ok := s.stock[stockKey{storeID, sku}]; ok {
			out[sku] = rec
		}
	}
	return out, nil
}

func (s *Store) PutStock(_ context.Context, rec inventory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stockKey{rec.StoreID, rec.SKU}
	if cur, ok := s.stock[k]; ok {
		if rec.QuantityAvailable < cur.QuantityReserved {
			return inventory.ErrBelowReserved
		}
		rec.QuantityReserved = cur.QuantityReserved
	}
	s.stock[k] = rec
	return nil
}

func (s *Store) CommitReservation(_ context.Context, r inventory.Reservation) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// a released hold may be taken again by the same order
	if cur, ok := s.reservations[r.ReservationID]; ok && cur.Status != inventory.ReservationReleased {
		return store.Conflict, nil
	}
	for _, it := range r.Items {
		rec, ok := s.stock[stockKey{r.StoreID, it.SKU}]
		if !ok || rec.Sellable() < it.Quantity {
			return store.Conflict, nil
		}
	}
	for _, it := range r.Items {
		k := stockKey{r.StoreID, it.SKU}
		rec := s.stock[k]
		rec.QuantityReserved += it.Quantity
		rec.UpdatedAt = r.CreatedAt
		s.stock[k] = rec
	}
	r.Items = append([]inventory.Item(nil), r.Items...)
	s.reservations[r.ReservationID] = r
	return store.Applied, nil
}

func (s *Store) GetReservation(_ context.Context, id string) (inventory.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return inventory.Reservation{}, store.ErrNotFound
	}
	r.Items = append([]inventory.Item(nil), r.Items...)
	return r, nil
}

func (s *Store) ConfirmReservation(_ context.Context, id string, at time.Time) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return store.Conflict, store.ErrNotFound
	}
	if r.Status != inventory.ReservationPending {
		return store.Conflict, nil
	}
	r.Status = inventory.ReservationConfirmed
	r.UpdatedAt = at
	s.reservations[id] = r
	return store.Applied, nil
}

func (s *Store) ReleaseReservation(_ context.Context, id string, at time.Time) (store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return store.Conflict, store.ErrNotFound
	}
	if r.Status == inventory.ReservationReleased {
		return store.Conflict, nil
	}
	for _, it := range r.Items {
		k := stockKey{r.StoreID, it.SKU}
		rec, ok := s.stock[k]
		if !ok {
			continue
		}
		rec.QuantityReserved -= it.Quantity
		if rec.QuantityReserved < 0 {
			rec.QuantityReserved = 0
		}
		rec.UpdatedAt = at
		s.stock[k] = rec
	}
	r.Status = inventory.ReservationReleased
	r.UpdatedAt = at
	s.reservations[id] = r
	return store.Applied, nil
}

func (s *Store) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]inventory.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Reservation
	for _, r := range s.reservations {
		if r.Status == inventory.ReservationPending && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PendingChanges(_ context.Context, limit int) ([]orders.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Change
	for _, c := range s.changes {
		if s.relayed[c.Seq] {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkRelayed(_ context.Context, seqs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range seqs {
		s.relayed[seq] = true
	}
	return nil
}

// Changes returns the whole change log.
func (s *Store) Changes() []orders.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.Change(nil), s.changes...)
}

func (s *Store) Pin(_ context.Context, name, candidate string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.pins[name]; ok {
		return v, nil
	}
	s.pins[name] = candidate
	return candidate, nil
}
