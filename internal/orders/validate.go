package orders

import (
	"fmt"
	"strings"
)

// CreateRequest is the intake body of POST /orders.
type CreateRequest struct {
	CustomerID      string        `json:"customerId"`
	StoreID         string        `json:"storeId"`
	CountyID        string        `json:"countyId"`
	Items           []ItemRequest `json:"items"`
	ShippingAddress Address       `json:"shippingAddress"`
}

type ItemRequest struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every problem found in a request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

const (
	minIdempotencyKey = 8
	maxIdempotencyKey = 128
)

func ValidateIdempotencyKey(key string) error {
	if n := len(key); n < minIdempotencyKey || n > maxIdempotencyKey {
		e := &ValidationError{}
		e.add("X-Idempotency-Key", "must be %d-%d characters", minIdempotencyKey, maxIdempotencyKey)
		return e
	}
	return nil
}

// Validate rejects anything the ledger or pricing must never see: empty
// orders, non-positive quantities or prices, duplicate SKUs.
func (r CreateRequest) Validate() error {
	e := &ValidationError{}
	if strings.TrimSpace(r.CustomerID) == "" {
		e.add("customerId", "is required")
	}
	if strings.TrimSpace(r.StoreID) == "" {
		e.add("storeId", "is required")
	}
	if strings.TrimSpace(r.CountyID) == "" {
		e.add("countyId", "is required")
	}
	if len(r.Items) == 0 {
		e.add("items", "must contain at least one item")
	}
	seen := make(map[string]bool, len(r.Items))
	for i, it := range r.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.SKU) == "" {
			e.add(field+".sku", "is required")
		} else if seen[it.SKU] {
			e.add(field+".sku", "duplicate sku %s", it.SKU)
		}
		seen[it.SKU] = true
		if strings.TrimSpace(it.Name) == "" {
			e.add(field+".name", "is required")
		}
		if it.Quantity <= 0 {
			e.add(field+".quantity", "must be greater than 0")
		}
		if it.UnitPrice <= 0 {
			e.add(field+".unitPrice", "must be greater than 0")
		}
	}
	a := r.ShippingAddress
	if strings.TrimSpace(a.Street) == "" {
		e.add("shippingAddress.street", "is required")
	}
	if strings.TrimSpace(a.City) == "" {
		e.add("shippingAddress.city", "is required")
	}
	if !isStateCode(a.State) {
		e.add("shippingAddress.state", "must be a 2-letter code")
	}
	if n := len(a.Zip); n < 5 || n > 10 {
		e.add("shippingAddress.zip", "must be 5-10 characters")
	}
	if len(e.Fields) > 0 {
		return e
	}
	return nil
}

func isStateCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}
