package domain

import "strings"

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ProductFilter narrows catalog listings. Zero values disable a criterion.
type ProductFilter struct {
	Status   ProductStatus
	Category string
	MinPrice *int64
	MaxPrice *int64
	InStock  *bool
	// Search matches name or sku, case-insensitively.
	Search string
	Limit  int
	Offset int
}

// Normalize clamps paging to the supported range.
func (f ProductFilter) Normalize() ProductFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Matches reports whether p satisfies every criterion of f except paging.
func (f ProductFilter) Matches(p Product) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.MinPrice != nil && p.PriceCents < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && p.PriceCents > *f.MaxPrice {
		return false
	}
	if f.InStock != nil && (p.Available() > 0) != *f.InStock {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(p.Name), needle) && !strings.Contains(strings.ToLower(p.SKU), needle) {
			return false
		}
	}
	return true
}

// ProductPatch is a partial catalog update. Stock counters are not patchable.
type ProductPatch struct {
	SKU        *string
	Name       *string
	Category   *string
	Status     *ProductStatus
	PriceCents *int64
}

// Apply returns p with the patch applied.
func (pp ProductPatch) Apply(p Product) Product {
	if pp.SKU != nil {
		p.SKU = strings.TrimSpace(*pp.SKU)
	}
	if pp.Name != nil {
		p.Name = strings.TrimSpace(*pp.Name)
	}
	if pp.Category != nil {
		p.Category = strings.TrimSpace(*pp.Category)
	}
	if pp.Status != nil {
		p.Status = *pp.Status
	}
	if pp.PriceCents != nil {
		p.PriceCents = *pp.PriceCents
	}
	return p
}

// ValidateCatalog checks the catalog fields of p.
func ValidateCatalog(p Product) error {
	if strings.TrimSpace(p.SKU) == "" {
		return ErrSKURequired
	}
	if strings.TrimSpace(p.Name) == "" {
		return ErrNameRequired
	}
	if p.PriceCents < 0 {
		return ErrInvalidPrice
	}
	if !p.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}
