package orders

import "time"

type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeModify ChangeKind = "MODIFY"
	ChangeRemove ChangeKind = "REMOVE"
)

// Change is one entry of the order change log: the before/after images of a
// single write to the primary record. Seq orders changes within a key.
type Change struct {
	Seq       int64      `json:"seq"`
	EventKind ChangeKind `json:"eventKind"`
	OrderKey  string     `json:"orderKey"`
	Before    *Order     `json:"before,omitempty"`
	After     *Order     `json:"after,omitempty"`
	At        time.Time  `json:"at"`
}
