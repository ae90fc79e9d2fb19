package domain

import "github.com/oklog/ulid/v2"

// NewID returns a new lexicographically sortable ULID string.
func NewID() string {
	return ulid.Make().String()
}
