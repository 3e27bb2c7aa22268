package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrProductNotFound     = fmt.Errorf("product %w", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("reservation %w", ErrNotFound)

	ErrInvalidID              = errors.New("invalid id")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrDuplicateSKU           = errors.New("duplicate sku")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidAdjustment      = errors.New("invalid stock adjustment")
	ErrInvalidState           = errors.New("invalid reservation state")
	ErrIdempotencyConflict    = errors.New("idempotency conflict")
	ErrProductHasReservations = errors.New("product has active reservations")

	ErrSKURequired   = errors.New("sku required")
	ErrNameRequired  = errors.New("name required")
	ErrInvalidPrice  = errors.New("invalid price")
	ErrInvalidStatus = errors.New("invalid product status")

	// ErrConflict reports a lost optimistic race. The engine retries it and never
	// returns it to callers.
	ErrConflict = errors.New("concurrent modification")
	// ErrContention is returned once the conflict retry budget is exhausted.
	// Callers may retry with backoff.
	ErrContention = errors.New("contention: retry budget exhausted")
)

var businessErrors = []error{
	ErrNotFound,
	ErrInvalidID,
	ErrInvalidQuantity,
	ErrDuplicateSKU,
	ErrInsufficientStock,
	ErrInvalidAdjustment,
	ErrInvalidState,
	ErrIdempotencyConflict,
	ErrProductHasReservations,
	ErrSKURequired,
	ErrNameRequired,
	ErrInvalidPrice,
	ErrInvalidStatus,
}

// IsBusiness reports whether err is a domain outcome that retrying the same request
// cannot change. Contention and infrastructure failures are not business errors.
func IsBusiness(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether a caller is expected to retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}
