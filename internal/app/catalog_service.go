package app

import (
	"context"
	"strings"

	"github.com/cimillas/stockroom/internal/domain"
)

const DefaultLowStockThreshold = 5

type CatalogRepository interface {
	CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error)
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (domain.Product, error)
	ListProducts(ctx context.Context, f domain.ProductFilter) ([]domain.Product, error)
	CountProducts(ctx context.Context, f domain.ProductFilter) (int, error)
	// ListLowStock returns products with available <= threshold, lowest first.
	ListLowStock(ctx context.Context, threshold, limit int) ([]domain.Product, error)
	UpdateCatalog(ctx context.Context, p domain.Product) (domain.Product, error)
	DeleteProduct(ctx context.Context, productID string) error
}

// CatalogService serves product reads and catalog edits. It never writes stock counters
// after creation.
type CatalogService struct {
	repo              CatalogRepository
	lowStockThreshold int
}

type CatalogOption func(*CatalogService)

func WithLowStockThreshold(n int) CatalogOption {
	return func(s *CatalogService) {
		if n >= 0 {
			s.lowStockThreshold = n
		}
	}
}

func NewCatalogService(repo CatalogRepository, opts ...CatalogOption) *CatalogService {
	s := &CatalogService{repo: repo, lowStockThreshold: DefaultLowStockThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateProductInput struct {
	SKU          string
	Name         string
	Category     string
	Status       domain.ProductStatus
	PriceCents   int64
	InitialStock int
}

func (s *CatalogService) CreateProduct(ctx context.Context, in CreateProductInput) (domain.Product, error) {
	if in.InitialStock < 0 {
		return domain.Product{}, domain.ErrInvalidQuantity
	}
	if in.Status == "" {
		in.Status = domain.ProductStatusActive
	}
	p := domain.Product{
		ID:         newID(),
		SKU:        strings.TrimSpace(in.SKU),
		Name:       strings.TrimSpace(in.Name),
		Category:   strings.TrimSpace(in.Category),
		Status:     in.Status,
		PriceCents: in.PriceCents,
		Stock:      in.InitialStock,
	}
	if err := domain.ValidateCatalog(p); err != nil {
		return domain.Product{}, err
	}
	return s.repo.CreateProduct(ctx, p)
}

func (s *CatalogService) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if productID == "" {
		return domain.Product{}, domain.ErrInvalidID
	}
	return s.repo.GetProduct(ctx, productID)
}

func (s *CatalogService) GetProductBySKU(ctx context.Context, sku string) (domain.Product, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.Product{}, domain.ErrSKURequired
	}
	return s.repo.GetProductBySKU(ctx, sku)
}

func (s *CatalogService) ListProducts(ctx context.Context, f domain.ProductFilter) ([]domain.Product, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	return s.repo.ListProducts(ctx, f.Normalize())
}

func (s *CatalogService) CountProducts(ctx context.Context, f domain.ProductFilter) (int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return 0, domain.ErrInvalidStatus
	}
	return s.repo.CountProducts(ctx, f.Normalize())
}

// LowStock lists products whose available quantity is at or below threshold.
// A nil threshold uses the configured default.
func (s *CatalogService) LowStock(ctx context.Context, threshold *int) ([]domain.Product, error) {
	t := s.lowStockThreshold
	if threshold != nil {
		if *threshold < 0 {
			return nil, domain.ErrInvalidQuantity
		}
		t = *threshold
	}
	return s.repo.ListLowStock(ctx, t, domain.MaxListLimit)
}

func (s *CatalogService) UpdateProduct(ctx context.Context, productID string, patch domain.ProductPatch) (domain.Product, error) {
	if productID == "" {
		return domain.Product{}, domain.ErrInvalidID
	}
	current, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	next := patch.Apply(current)
	if err := domain.ValidateCatalog(next); err != nil {
		return domain.Product{}, err
	}
	return s.repo.UpdateCatalog(ctx, next)
}

func (s *CatalogService) DeleteProduct(ctx context.Context, productID string) error {
	if productID == "" {
		return domain.ErrInvalidID
	}
	return s.repo.DeleteProduct(ctx, productID)
}
