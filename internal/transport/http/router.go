package http

import (
	"fmt"
	"net/http"
)

// Routes holds the collaborators served by NewRouter. Metrics and Ready are optional.
type Routes struct {
	Catalog ProductCatalog
	Stock   StockService
	Metrics http.Handler
	Ready   Pinger
}

// NewRouter registers every endpoint on a fresh ServeMux.
func NewRouter(rt Routes) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.Handle("GET /ready", HandleReady(rt.Ready))
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}

	mux.Handle("POST /products", HandleCreateProduct(rt.Catalog))
	mux.Handle("GET /products", HandleListProducts(rt.Catalog))
	mux.Handle("GET /products/count", HandleCountProducts(rt.Catalog))
	mux.Handle("GET /products/low-stock", HandleLowStock(rt.Catalog))
	mux.Handle("GET /products/sku/{sku}", HandleGetProductBySKU(rt.Catalog))
	mux.Handle("GET /products/{id}", HandleGetProduct(rt.Catalog))
	mux.Handle("PATCH /products/{id}", HandleUpdateProduct(rt.Catalog))
	mux.Handle("DELETE /products/{id}", HandleDeleteProduct(rt.Catalog))

	mux.Handle("POST /products/{id}/stock/adjust", HandleAdjustStock(rt.Stock))
	mux.Handle("POST /products/{id}/stock/reserve", HandleReserve(rt.Stock))
	mux.Handle("POST /products/{id}/stock/release", HandleReleaseQuantity(rt.Stock))
	mux.Handle("POST /products/{id}/stock/commit", HandleCommitQuantity(rt.Stock))

	mux.Handle("GET /reservations/{id}", HandleGetReservation(rt.Stock))
	mux.Handle("POST /reservations/{id}/release", HandleReleaseReservation(rt.Stock))
	mux.Handle("POST /reservations/{id}/commit", HandleCommitReservation(rt.Stock))

	mux.HandleFunc("/", unknownRoute)
	return mux
}

func unknownRoute(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, codeNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}
