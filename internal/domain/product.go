package domain

import (
	"fmt"
	"time"
)

type ProductStatus string

const (
	ProductStatusActive       ProductStatus = "active"
	ProductStatusInactive     ProductStatus = "inactive"
	ProductStatusDiscontinued ProductStatus = "discontinued"
)

// Valid reports whether s is a known status.
func (s ProductStatus) Valid() bool {
	switch s {
	case ProductStatusActive, ProductStatusInactive, ProductStatusDiscontinued:
		return true
	}
	return false
}

// Product is a sellable item and its stock counters.
// Only the reservation engine writes Stock and ReservedStock.
type Product struct {
	ID            string
	SKU           string
	Name          string
	Category      string
	Status        ProductStatus
	PriceCents    int64
	Stock         int
	ReservedStock int
	// Version increases on every counter write and backs optimistic updates.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available is the quantity sellable right now.
func (p Product) Available() int {
	return p.Stock - p.ReservedStock
}

// CheckInvariant verifies 0 <= ReservedStock <= Stock.
func (p Product) CheckInvariant() error {
	if p.Stock < 0 || p.ReservedStock < 0 || p.ReservedStock > p.Stock {
		return fmt.Errorf("product %s: stock=%d reserved=%d violates 0 <= reserved <= stock", p.ID, p.Stock, p.ReservedStock)
	}
	return nil
}

// Reserve returns p with quantity more units reserved.
func (p Product) Reserve(quantity int) (Product, error) {
	if quantity <= 0 {
		return p, ErrInvalidQuantity
	}
	if p.Available() < quantity {
		return p, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStock, quantity, p.Available())
	}
	p.ReservedStock += quantity
	return p, nil
}

// Unreserve returns p with quantity reserved units returned to available stock.
func (p Product) Unreserve(quantity int) (Product, error) {
	if quantity <= 0 {
		return p, ErrInvalidQuantity
	}
	if quantity > p.ReservedStock {
		return p, fmt.Errorf("%w: release %d exceeds reserved %d", ErrInvalidState, quantity, p.ReservedStock)
	}
	p.ReservedStock -= quantity
	return p, nil
}

// Consume returns p with quantity reserved units removed from stock for good.
func (p Product) Consume(quantity int) (Product, error) {
	if quantity <= 0 {
		return p, ErrInvalidQuantity
	}
	if quantity > p.ReservedStock {
		return p, fmt.Errorf("%w: commit %d exceeds reserved %d", ErrInvalidState, quantity, p.ReservedStock)
	}
	p.Stock -= quantity
	p.ReservedStock -= quantity
	return p, p.CheckInvariant()
}

// Adjust returns p with delta applied to Stock.
func (p Product) Adjust(delta int) (Product, error) {
	if delta == 0 {
		return p, fmt.Errorf("%w: delta must be non-zero", ErrInvalidAdjustment)
	}
	next := p.Stock + delta
	if next < 0 {
		return p, fmt.Errorf("%w: stock would become %d", ErrInvalidAdjustment, next)
	}
	if next < p.ReservedStock {
		return p, fmt.Errorf("%w: stock %d would drop below reserved %d", ErrInvalidAdjustment, next, p.ReservedStock)
	}
	p.Stock = next
	return p, nil
}
