package orders

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Intake struct {
	Repo    *Repository
	Keys    *KeyDeriver
	TaxRate decimal.Decimal
	Log     *zap.Logger
}

// Submit validates and prices the request, then creates the order under the
// key pinned for idempotencyKey. A duplicate returns the stored order with
// existed=true. The saga is started by the relay from the INSERT change
// record, so a first creation is enqueued exactly when it is written.
func (in *Intake) Submit(ctx context.Context, idempotencyKey string, req CreateRequest) (Order, bool, error) {
	if err := ValidateIdempotencyKey(idempotencyKey); err != nil {
		return Order{}, false, err
	}
	if err := req.Validate(); err != nil {
		return Order{}, false, err
	}

	key, err := in.Keys.Derive(ctx, req.CustomerID, idempotencyKey)
	if err != nil {
		return Order{}, false, err
	}
	ts, orderID, _ := ParseSortKey(key.SortKey)

	o := Order{
		OrderID:         orderID,
		CustomerID:      req.CustomerID,
		OrderTimestamp:  ts,
		StoreID:         req.StoreID,
		CountyID:        req.CountyID,
		ShippingAddress: normalizeAddress(req.ShippingAddress),
		IdempotencyKey:  idempotencyKey,
		Items:           make([]Item, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		o.Items = append(o.Items, Item{SKU: it.SKU, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	rate := in.TaxRate
	if rate.IsZero() {
		rate = DefaultTaxRate
	}
	Price(&o, rate)

	stored, existed, err := in.Repo.Create(ctx, o)
	if err != nil {
		return Order{}, false, err
	}
	if existed {
		return stored, true, nil
	}
	in.Log.Info("order accepted",
		zap.String("order_id", stored.OrderID),
		zap.String("customer_id", stored.CustomerID),
		zap.Float64("total", stored.Total),
	)
	return stored, false, nil
}

func normalizeAddress(a Address) Address {
	a.Street = strings.TrimSpace(a.Street)
	a.City = strings.TrimSpace(a.City)
	a.State = strings.ToUpper(a.State)
	a.Zip = strings.TrimSpace(a.Zip)
	return a
}
