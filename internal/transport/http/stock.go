package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/domain"
)

const idempotencyHeader = "Idempotency-Key"

// StockService is the interface needed by the stock and reservation endpoints.
type StockService interface {
	Reserve(ctx context.Context, in app.ReserveInput) (app.ReserveResult, error)
	Release(ctx context.Context, reservationID string) (domain.Product, error)
	Commit(ctx context.Context, reservationID string) (domain.Product, error)
	ReleaseQuantity(ctx context.Context, productID string, quantity int) (domain.Product, error)
	CommitQuantity(ctx context.Context, productID string, quantity int) (domain.Product, error)
	AdjustStock(ctx context.Context, in app.AdjustStockInput) (domain.Product, error)
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
}

type reserveRequest struct {
	Quantity       int    `json:"quantity"`
	OrderID        string `json:"order_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type adjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// HandleReserve returns an HTTP handler reserving stock of one product. The
// Idempotency-Key header takes precedence over the body field.
func HandleReserve(svc StockService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reserveRequest
		if !decodeBody(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			key = req.IdempotencyKey
		}

		res, err := svc.Reserve(r.Context(), app.ReserveInput{
			ProductID:      r.PathValue("id"),
			Quantity:       req.Quantity,
			OrderID:        req.OrderID,
			IdempotencyKey: key,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, reserveResponse{
			Reservation: toReservationResponse(res.Reservation),
			Product:     toProductResponse(res.Product),
		})
	}
}

// HandleReleaseQuantity returns an HTTP handler releasing a bare quantity of a product.
func HandleReleaseQuantity(svc StockService) http.HandlerFunc {
	return handleQuantity(svc.ReleaseQuantity)
}

// HandleCommitQuantity returns an HTTP handler committing a bare quantity of a product.
func HandleCommitQuantity(svc StockService) http.HandlerFunc {
	return handleQuantity(svc.CommitQuantity)
}

func handleQuantity(settle func(ctx context.Context, productID string, quantity int) (domain.Product, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req quantityRequest
		if !decodeBody(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		p, err := settle(r.Context(), r.PathValue("id"), req.Quantity)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponse(p))
	}
}

func HandleAdjustStock(svc StockService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adjustRequest
		if !decodeBody(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		p, err := svc.AdjustStock(r.Context(), app.AdjustStockInput{
			ProductID: r.PathValue("id"),
			Delta:     req.Delta,
			Reason:    req.Reason,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponse(p))
	}
}
