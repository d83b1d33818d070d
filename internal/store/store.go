// Package store holds the primitives shared by every storage backend:
// conditional-write outcomes, the not-found sentinel and page cursors.
package store

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrInvalidCursor = errors.New("store: invalid cursor")
)

// Outcome is the result of a conditional write. A failed guard is a normal
// result, not an error.
type Outcome int

const (
	Applied Outcome = iota
	Conflict
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "conflict"
}

// EncodeCursor turns the last sort key of a page into an opaque token.
func EncodeCursor(sortKey string) string {
	if sortKey == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(sortKey))
}

func DecodeCursor(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return string(b), nil
}
