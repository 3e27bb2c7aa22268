package domain

import "errors"

// Stable error codes shared by every transport.
const (
	CodeProductNotFound        = "product_not_found"
	CodeReservationNotFound    = "reservation_not_found"
	CodeInvalidID              = "invalid_id"
	CodeInvalidQuantity        = "invalid_quantity"
	CodeDuplicateSKU           = "duplicate_sku"
	CodeInsufficientStock      = "insufficient_stock"
	CodeInvalidAdjustment      = "invalid_adjustment"
	CodeInvalidState           = "invalid_state"
	CodeIdempotencyConflict    = "idempotency_conflict"
	CodeProductHasReservations = "product_has_reservations"
	CodeSKURequired            = "sku_required"
	CodeNameRequired           = "name_required"
	CodeInvalidPrice           = "invalid_price"
	CodeInvalidStatus          = "invalid_status"
	CodeContention             = "contention"
	CodeInternal               = "internal_error"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrProductNotFound, CodeProductNotFound},
	{ErrReservationNotFound, CodeReservationNotFound},
	{ErrInvalidID, CodeInvalidID},
	{ErrInvalidQuantity, CodeInvalidQuantity},
	{ErrDuplicateSKU, CodeDuplicateSKU},
	{ErrInsufficientStock, CodeInsufficientStock},
	{ErrInvalidAdjustment, CodeInvalidAdjustment},
	{ErrInvalidState, CodeInvalidState},
	{ErrIdempotencyConflict, CodeIdempotencyConflict},
	{ErrProductHasReservations, CodeProductHasReservations},
	{ErrSKURequired, CodeSKURequired},
	{ErrNameRequired, CodeNameRequired},
	{ErrInvalidPrice, CodeInvalidPrice},
	{ErrInvalidStatus, CodeInvalidStatus},
	{ErrContention, CodeContention},
}

// Code returns the stable code for err, or CodeInternal for unknown errors.
func Code(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
