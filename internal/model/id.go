package model

import "github.com/oklog/ulid/v2"

// NewID returns a ULID string for a ledger record. ULIDs sort by creation
// time, so record ids double as a stable secondary sort key.
func NewID() string {
	return ulid.Make().String()
}
