package app

import "github.com/google/uuid"

// newID returns a random RFC 4122 v4 identifier; products, reservations and
// adjustments are keyed by it.
func newID() string {
	return uuid.NewString()
}
