package inventory

import "time"

// Record is the stock of one SKU at one store. QuantityReserved never exceeds
// QuantityAvailable.
type Record struct {
	StoreID           string    `json:"storeId"`
	SKU               string    `json:"sku"`
	QuantityAvailable int       `json:"quantityAvailable"`
	QuantityReserved  int       `json:"quantityReserved"`
	ReorderLevel      int       `json:"reorderLevel"`
	UnitCost          float64   `json:"unitCost"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Sellable is what a new reservation may still take.
func (r Record) Sellable() int { return r.QuantityAvailable - r.QuantityReserved }

type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

type Reservation struct {
	ReservationID string            `json:"reservationId"`
	OrderID       string            `json:"orderId"`
	StoreID       string            `json:"storeId"`
	Items         []Item            `json:"items"`
	Status        ReservationStatus `json:"status"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Shortfall reports an item the store cannot cover.
type Shortfall struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}
