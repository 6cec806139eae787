package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string, used for execution IDs.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewULID returns a lexicographically sortable ULID string, used for journal
// rows and client connection IDs.
func NewULID() string {
	return ulid.Make().String()
}
