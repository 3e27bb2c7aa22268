package domain

import (
	"fmt"
	"time"
)

type ReservationState string

const (
	ReservationActive    ReservationState = "active"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Terminal reports whether no further transition is possible.
func (s ReservationState) Terminal() bool {
	return s == ReservationCommitted || s == ReservationReleased
}

// Reservation holds stock of one product for a pending sale.
type Reservation struct {
	ID             string
	ProductID      string
	Quantity       int
	OrderID        string
	IdempotencyKey string
	State          ReservationState
	// ExpiresAt is nil when the reservation never expires.
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether an active reservation has outlived its TTL at now.
func (r Reservation) Expired(now time.Time) bool {
	return r.State == ReservationActive && r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Transition moves r to target. It reports changed=false when r is already in target,
// which callers treat as an idempotent no-op.
func (r Reservation) Transition(target ReservationState, now time.Time) (next Reservation, changed bool, err error) {
	if !target.Terminal() {
		return r, false, fmt.Errorf("%w: cannot move to %s", ErrInvalidState, target)
	}
	switch r.State {
	case target:
		return r, false, nil
	case ReservationActive:
		r.State = target
		r.UpdatedAt = now
		return r, true, nil
	default:
		return r, false, fmt.Errorf("%w: reservation %s is %s, cannot become %s", ErrInvalidState, r.ID, r.State, target)
	}
}
