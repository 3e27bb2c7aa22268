package http

import (
	"context"
	"net/http"

	"github.com/cimillas/stockroom/internal/domain"
)

func HandleGetReservation(svc StockService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.GetReservation(r.Context(), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toReservationResponse(res))
	}
}

// HandleReleaseReservation returns an HTTP handler releasing one reservation. Releasing
// an already released reservation succeeds without change.
func HandleReleaseReservation(svc StockService) http.HandlerFunc {
	return handleSettle(svc, svc.Release)
}

// HandleCommitReservation returns an HTTP handler committing one reservation.
func HandleCommitReservation(svc StockService) http.HandlerFunc {
	return handleSettle(svc, svc.Commit)
}

type settleResponse struct {
	Reservation reservationResponse `json:"reservation"`
	Product     productResponse     `json:"product"`
}

func handleSettle(svc StockService, settle func(ctx context.Context, reservationID string) (domain.Product, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		p, err := settle(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		res, err := svc.GetReservation(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settleResponse{
			Reservation: toReservationResponse(res),
			Product:     toProductResponse(p),
		})
	}
}
