package http

import (
	"time"

	"github.com/cimillas/stockroom/internal/domain"
)

type productResponse struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	Name          string    `json:"name"`
	Category      string    `json:"category,omitempty"`
	Status        string    `json:"status"`
	PriceCents    int64     `json:"price_cents"`
	Stock         int       `json:"stock"`
	ReservedStock int       `json:"reserved_stock"`
	Available     int       `json:"available"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toProductResponse(p domain.Product) productResponse {
	return productResponse{
		ID:            p.ID,
		SKU:           p.SKU,
		Name:          p.Name,
		Category:      p.Category,
		Status:        string(p.Status),
		PriceCents:    p.PriceCents,
		Stock:         p.Stock,
		ReservedStock: p.ReservedStock,
		Available:     p.Available(),
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func toProductResponses(ps []domain.Product) []productResponse {
	out := make([]productResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, toProductResponse(p))
	}
	return out
}

type reservationResponse struct {
	ID             string     `json:"id"`
	ProductID      string     `json:"product_id"`
	Quantity       int        `json:"quantity"`
	OrderID        string     `json:"order_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	State          string     `json:"state"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toReservationResponse(r domain.Reservation) reservationResponse {
	return reservationResponse{
		ID:             r.ID,
		ProductID:      r.ProductID,
		Quantity:       r.Quantity,
		OrderID:        r.OrderID,
		IdempotencyKey: r.IdempotencyKey,
		State:          string(r.State),
		ExpiresAt:      r.ExpiresAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type reserveResponse struct {
	Reservation reservationResponse `json:"reservation"`
	Product     productResponse     `json:"product"`
}

type countResponse struct {
	Count int `json:"count"`
}
