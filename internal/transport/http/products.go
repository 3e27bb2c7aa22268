package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/domain"
)

// ProductCatalog is the interface needed by the product endpoints.
type ProductCatalog interface {
	CreateProduct(ctx context.Context, in app.CreateProductInput) (domain.Product, error)
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (domain.Product, error)
	ListProducts(ctx context.Context, f domain.ProductFilter) ([]domain.Product, error)
	CountProducts(ctx context.Context, f domain.ProductFilter) (int, error)
	LowStock(ctx context.Context, threshold *int) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, productID string, patch domain.ProductPatch) (domain.Product, error)
	DeleteProduct(ctx context.Context, productID string) error
}

type createProductRequest struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type updateProductRequest struct {
	SKU        *string `json:"sku"`
	Name       *string `json:"name"`
	Category   *string `json:"category"`
	Status     *string `json:"status"`
	PriceCents *int64  `json:"price_cents"`
}

func (r updateProductRequest) patch() domain.ProductPatch {
	p := domain.ProductPatch{
		SKU:        r.SKU,
		Name:       r.Name,
		Category:   r.Category,
		PriceCents: r.PriceCents,
	}
	if r.Status != nil {
		s := domain.ProductStatus(*r.Status)
		p.Status = &s
	}
	return p
}

// HandleCreateProduct returns an HTTP handler for creating products.
func HandleCreateProduct(svc ProductCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createProductRequest
		if !decodeBody(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		p, err := svc.CreateProduct(r.Context(), app.CreateProductInput{
			SKU:          req.SKU,
			Name:         req.Name,
			Category:     req.Category,
			Status:       domain.ProductStatus(req.Status),
			PriceCents:   req.PriceCents,
			InitialStock: req.InitialStock,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toProductResponse(p))
	}
}

// HandleListProducts returns an HTTP handler listing products matching the query filter.
func HandleListProducts(svc ProductCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseProductFilter(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
			return
		}
		products, err := svc.ListProducts(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponses(products))
	}
}

// HandleCountProducts returns an HTTP handler counting products matching the query filter.
func HandleCountProducts(svc ProductCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseProductFilter(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, err.Error())
			return
		}
		n, err := svc.CountProducts(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, countResponse{Count: n})
	}
}

func HandleLowStock(svc ProductCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var threshold *int
		if raw := r.URL.Query().Get("threshold"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidQuery, "threshold must be an integer")
				return
			}
			threshold = &n
		}
		products, err := svc.LowStock(r.Context(), threshold)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponses(products))
	}
}

func HandleGetProductBySKU(svc ProductCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.GetProductBySKU(r.Context(), r.PathValue("sku"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponse(p))
	}
}

func HandleGetProduct(svc ProductCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.GetProduct(r.Context(), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponse(p))
	}
}

// HandleUpdateProduct returns an HTTP handler applying a partial catalog update.
func HandleUpdateProduct(svc ProductCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateProductRequest
		if !decodeBody(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		p, err := svc.UpdateProduct(r.Context(), r.PathValue("id"), req.patch())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProductResponse(p))
	}
}

func HandleDeleteProduct(svc ProductCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteProduct(r.Context(), r.PathValue("id")); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

var errInvalidFilter = errors.New("invalid filter")

func parseProductFilter(q url.Values) (domain.ProductFilter, error) {
	f := domain.ProductFilter{
		Status:   domain.ProductStatus(q.Get("status")),
		Category: q.Get("category"),
		Search:   q.Get("search"),
	}

	parseInt64 := func(key string) (*int64, error) {
		raw := q.Get(key)
		if raw == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer", errInvalidFilter, key)
		}
		return &n, nil
	}
	parseInt := func(key string) (int, error) {
		raw := q.Get(key)
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidFilter, key)
		}
		return n, nil
	}

	var err error
	if f.MinPrice, err = parseInt64("min_price"); err != nil {
		return domain.ProductFilter{}, err
	}
	if f.MaxPrice, err = parseInt64("max_price"); err != nil {
		return domain.ProductFilter{}, err
	}
	if raw := q.Get("in_stock"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.ProductFilter{}, fmt.Errorf("%w: in_stock must be a boolean", errInvalidFilter)
		}
		f.InStock = &b
	}
	if f.Limit, err = parseInt("limit"); err != nil {
		return domain.ProductFilter{}, err
	}
	if f.Offset, err = parseInt("offset"); err != nil {
		return domain.ProductFilter{}, err
	}
	return f, nil
}
