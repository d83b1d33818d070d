package orders

import (
	"strings"
	"time"
)

// sortKeyLayout is fixed width so sort keys order lexicographically by time.
const sortKeyLayout = "2006-01-02T15:04:05.000000000Z"

type Item struct {
	SKU        string  `json:"sku"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unitPrice"`
	TotalPrice float64 `json:"totalPrice"`
}

type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

type Order struct {
	OrderID         string       `json:"orderId"`
	CustomerID      string       `json:"customerId"`
	OrderTimestamp  time.Time    `json:"orderTimestamp"`
	StoreID         string       `json:"storeId"`
	CountyID        string       `json:"countyId"`
	Status          Status       `json:"status"`
	PaymentState    PaymentState `json:"paymentState"`
	Items           []Item       `json:"items"`
	Subtotal        float64      `json:"subtotal"`
	Tax             float64      `json:"tax"`
	Total           float64      `json:"total"`
	ShippingAddress Address      `json:"shippingAddress"`
	IdempotencyKey  string       `json:"idempotencyKey"`
	ReservationID   string       `json:"reservationId,omitempty"`
	TransactionID   string       `json:"transactionId,omitempty"`
	FailureReason   string       `json:"failureReason,omitempty"`
	Version         int64        `json:"version"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Key addresses the primary record: partition by customer, sort by
// orderTimestamp#orderId.
type Key struct {
	CustomerID string `json:"customerId"`
	SortKey    string `json:"sortKey"`
}

func (o Order) Key() Key {
	return Key{CustomerID: o.CustomerID, SortKey: SortKey(o.OrderTimestamp, o.OrderID)}
}

func (k Key) String() string { return k.CustomerID + "|" + k.SortKey }

func SortKey(ts time.Time, orderID string) string {
	return ts.UTC().Format(sortKeyLayout) + "#" + orderID
}

// ParseSortKey splits a sort key back into its timestamp and order ID.
func ParseSortKey(sk string) (time.Time, string, bool) {
	ts, id, ok := strings.Cut(sk, "#")
	if !ok || id == "" {
		return time.Time{}, "", false
	}
	t, err := time.Parse(sortKeyLayout, ts)
	if err != nil {
		return time.Time{}, "", false
	}
	return t, id, true
}

// OrderID returns the order ID embedded in the sort key.
func (k Key) OrderID() string {
	_, id, _ := strings.Cut(k.SortKey, "#")
	return id
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, bool) {
	i := strings.LastIndexByte(s, '|')
	if i < 0 {
		return Key{}, false
	}
	return Key{CustomerID: s[:i], SortKey: s[i+1:]}, true
}
