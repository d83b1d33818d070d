package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/store"
	"go.uber.org/zap"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the storage contract the repository needs. Writes to the primary
// record also append to the change log in the same atomic unit.
type Store interface {
	// InsertOrder writes the primary record guarded by "no record at this key".
	InsertOrder(ctx context.Context, o Order) (store.Outcome, error)
	GetOrder(ctx context.Context, key Key) (Order, error)
	// UpdateStatus applies u if the current status is one of u.From. It
	// returns the record after the write, or the record it observed when the
	// guard failed.
	UpdateStatus(ctx context.Context, key Key, u StatusUpdate) (Order, store.Outcome, error)
	// PutProjection upserts the by-ID projection unless it already holds the
	// same or a newer version.
	PutProjection(ctx context.Context, o Order) error
	GetProjection(ctx context.Context, orderID string) (Order, error)
	ListByCustomer(ctx context.Context, customerID, afterSortKey string, limit int) ([]Order, error)
	ListByStore(ctx context.Context, storeID, afterSortKey string, limit int) ([]Order, error)
}

type StatusUpdate struct {
	To            Status
	From          []Status
	PaymentState  PaymentState
	Reason        string
	TransactionID string
	ReservationID string
	At            time.Time
}

// Apply returns o with the update applied and its version bumped.
func (u StatusUpdate) Apply(o Order) Order {
	o.Status = u.To
	if u.PaymentState != "" {
		o.PaymentState = u.PaymentState
	}
	if u.Reason != "" {
		o.FailureReason = u.Reason
	}
	if u.TransactionID != "" {
		o.TransactionID = u.TransactionID
	}
	if u.ReservationID != "" {
		o.ReservationID = u.ReservationID
	}
	o.Version++
	o.UpdatedAt = u.At
	return o
}

// Allows reports whether the guard admits status s.
func (u StatusUpdate) Allows(s Status) bool {
	for _, f := range u.From {
		if f == s {
			return true
		}
	}
	return false
}

type Repository struct {
	Store   Store
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewRepository(s Store, log *zap.Logger, m *metrics.Metrics) *Repository {
	return &Repository{Store: s, Log: log, Metrics: m, Now: time.Now}
}

// Create writes o under its derived key. When a record already exists at
// that key the stored order is returned unchanged with existed=true.
func (r *Repository) Create(ctx context.Context, o Order) (Order, bool, error) {
	now := r.Now().UTC()
	o.Status = StatusPending
	if o.PaymentState == "" {
		o.PaymentState = PaymentPending
	}
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now

	outcome, err := r.Store.InsertOrder(ctx, o)
	if err != nil {
		return Order{}, false, fmt.Errorf("insert order: %w", err)
	}
	if outcome == store.Conflict {
		existing, err := r.Store.GetOrder(ctx, o.Key())
		if err != nil {
			return Order{}, false, fmt.Errorf("read existing order: %w", err)
		}
		r.Metrics.OrderDuplicate()
		r.Log.Info("order already exists",
			zap.String("order_id", existing.OrderID),
			zap.String("customer_id", existing.CustomerID),
		)
		return existing, true, nil
	}

	r.Metrics.OrderCreated()
	r.syncProjection(ctx, o)
	return o, false, nil
}

func (r *Repository) Get(ctx context.Context, key Key) (Order, error) {
	return r.Store.GetOrder(ctx, key)
}

// GetByID reads the by-ID projection.
func (r *Repository) GetByID(ctx context.Context, orderID string) (Order, error) {
	return r.Store.GetProjection(ctx, orderID)
}

type Transition struct {
	To Status
	// Expected guards the write; empty means any status that can reach To.
	Expected      Status
	PaymentState  PaymentState
	Reason        string
	TransactionID string
	ReservationID string
}

type TransitionResult struct {
	Outcome store.Outcome
	// Order is the record after the write, or the current record when stale.
	Order Order
}

func (t TransitionResult) Stale() bool { return t.Outcome == store.Conflict }

// TransitionStatus moves the order along the state machine. A failed guard is
// reported through the result, not as an error, so the caller can re-read and
// decide.
func (r *Repository) TransitionStatus(ctx context.Context, key Key, orderID string, t Transition) (TransitionResult, error) {
	if !t.To.Valid() {
		return TransitionResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.To)
	}
	if t.PaymentState != "" && !t.PaymentState.Valid() {
		return TransitionResult{}, fmt.Errorf("%w: unknown payment state %q", ErrInvalidTransition, t.PaymentState)
	}
	if key.OrderID() != orderID {
		return TransitionResult{}, fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
	}

	from := SourcesOf(t.To)
	if t.Expected != "" {
		if !CanTransition(t.Expected, t.To) {
			return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Expected, t.To)
		}
		from = []Status{t.Expected}
	}

	cur, outcome, err := r.Store.UpdateStatus(ctx, key, StatusUpdate{
		To:            t.To,
		From:          from,
		PaymentState:  t.PaymentState,
		Reason:        t.Reason,
		TransactionID: t.TransactionID,
		ReservationID: t.ReservationID,
		At:            r.Now().UTC(),
	})
	if err != nil {
		return TransitionResult{}, fmt.Errorf("update status: %w", err)
	}
	if outcome == store.Conflict {
		r.Log.Debug("status guard failed",
			zap.String("order_id", orderID),
			zap.String("current", string(cur.Status)),
			zap.String("target", string(t.To)),
		)
		return TransitionResult{Outcome: store.Conflict, Order: cur}, nil
	}

	r.syncProjection(ctx, cur)
	return TransitionResult{Outcome: store.Applied, Order: cur}, nil
}

// syncProjection is best effort: the change feed reconciles a missed write.
func (r *Repository) syncProjection(ctx context.Context, o Order) {
	if err := r.Store.PutProjection(ctx, o); err != nil {
		r.Metrics.ProjectionWriteFailed()
		r.Log.Warn("projection write failed",
			zap.String("order_id", o.OrderID),
			zap.Int64("version", o.Version),
			zap.Error(err),
		)
	}
}

// Reconcile applies a primary image to the projection. The change feed calls
// it for every record it sees.
func (r *Repository) Reconcile(ctx context.Context, o Order) error {
	return r.Store.PutProjection(ctx, o)
}

type Page struct {
	Orders    []Order `json:"orders"`
	NextToken string  `json:"nextToken,omitempty"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func (r *Repository) ListByCustomer(ctx context.Context, customerID, token string, limit int) (Page, error) {
	return r.list(ctx, token, limit, func(after string, n int) ([]Order, error) {
		return r.Store.ListByCustomer(ctx, customerID, after, n)
	})
}

func (r *Repository) ListByStore(ctx context.Context, storeID, token string, limit int) (Page, error) {
	return r.list(ctx, token, limit, func(after string, n int) ([]Order, error) {
		return r.Store.ListByStore(ctx, storeID, after, n)
	})
}

func (r *Repository) list(ctx context.Context, token string, limit int, query func(after string, n int) ([]Order, error)) (Page, error) {
	after, err := store.DecodeCursor(token)
	if err != nil {
		return Page{}, err
	}
	// one extra row tells us whether another page exists
	rows, err := query(after, limit+1)
	if err != nil {
		return Page{}, err
	}
	page := Page{Orders: rows}
	if len(rows) > limit {
		page.Orders = rows[:limit]
		last := page.Orders[limit-1]
		page.NextToken = store.EncodeCursor(SortKey(last.OrderTimestamp, last.OrderID))
	}
	if page.Orders == nil {
		page.Orders = []Order{}
	}
	return page, nil
}
