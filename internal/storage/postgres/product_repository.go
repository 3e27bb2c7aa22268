package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/stockroom/internal/domain"
)

// LockingMode selects how GetProductForUpdate protects the product row.
type LockingMode string

const (
	// Pessimistic takes a row lock with SELECT ... FOR UPDATE.
	Pessimistic LockingMode = "pessimistic"
	// Optimistic reads without locking; UpdateStock detects lost races by version.
	Optimistic LockingMode = "optimistic"
)

func (m LockingMode) Valid() bool {
	return m == Pessimistic || m == Optimistic
}

const productColumns = `id, sku, name, category, status, price_cents, stock, reserved_stock, version, created_at, updated_at`

type ProductRepository struct {
	conn
	mode LockingMode
}

func NewProductRepository(pool *pgxpool.Pool, mode LockingMode) *ProductRepository {
	if !mode.Valid() {
		mode = Pessimistic
	}
	return &ProductRepository{conn: conn{pool: pool}, mode: mode}
}

func (r *ProductRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.Status, &p.PriceCents,
		&p.Stock, &p.ReservedStock, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func productError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrProductNotFound
	case isInvalidUUID(err):
		return domain.ErrInvalidID
	case isUniqueViolation(err):
		return domain.ErrDuplicateSKU
	}
	return fmt.Errorf("%s: %w", op, classify(err))
}

func (r *ProductRepository) CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	const stmt = `
INSERT INTO products (id, sku, name, category, status, price_cents, stock)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + productColumns

	created, err := scanProduct(r.queryRow(ctx, stmt,
		p.ID, p.SKU, p.Name, p.Category, p.Status, p.PriceCents, p.Stock,
	))
	if err != nil {
		if isCheckViolation(err) {
			return domain.Product{}, domain.ErrInvalidQuantity
		}
		return domain.Product{}, productError("create product", err)
	}
	return created, nil
}

func (r *ProductRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	p, err := scanProduct(r.queryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if err != nil {
		return domain.Product{}, productError("get product", err)
	}
	return p, nil
}

func (r *ProductRepository) GetProductForUpdate(ctx context.Context, productID string) (domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if r.mode == Pessimistic {
		query += ` FOR UPDATE`
	}
	p, err := scanProduct(r.queryRow(ctx, query, productID))
	if err != nil {
		return domain.Product{}, productError("get product for update", err)
	}
	return p, nil
}

func (r *ProductRepository) GetProductBySKU(ctx context.Context, sku string) (domain.Product, error) {
	p, err := scanProduct(r.queryRow(ctx, `SELECT `+productColumns+` FROM products WHERE LOWER(sku) = LOWER($1)`, sku))
	if err != nil {
		return domain.Product{}, productError("get product by sku", err)
	}
	return p, nil
}

// UpdateStock writes the counters of p when the stored version matches p.Version.
func (r *ProductRepository) UpdateStock(ctx context.Context, p domain.Product) (domain.Product, error) {
	if err := p.CheckInvariant(); err != nil {
		return domain.Product{}, err
	}
	const stmt = `
UPDATE products
SET stock = $2, reserved_stock = $3, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $4
RETURNING ` + productColumns

	updated, err := scanProduct(r.queryRow(ctx, stmt, p.ID, p.Stock, p.ReservedStock, p.Version))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, productError("update stock", err)
	}
	if _, getErr := r.GetProduct(ctx, p.ID); getErr != nil {
		return domain.Product{}, getErr
	}
	return domain.Product{}, fmt.Errorf("%w: product %s moved past version %d", domain.ErrConflict, p.ID, p.Version)
}

func (r *ProductRepository) RecordAdjustment(ctx context.Context, adj domain.StockAdjustment) error {
	const stmt = `
INSERT INTO stock_adjustments (id, product_id, delta, reason, stock_after, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.exec(ctx, stmt, adj.ID, adj.ProductID, adj.Delta, adj.Reason, adj.StockAfter, adj.CreatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrProductNotFound
		}
		return productError("record adjustment", err)
	}
	return nil
}

func (r *ProductRepository) ListAdjustments(ctx context.Context, productID string) ([]domain.StockAdjustment, error) {
	const query = `
SELECT id, product_id, delta, reason, stock_after, created_at
FROM stock_adjustments
WHERE product_id = $1
ORDER BY created_at, id`

	rows, err := r.query(ctx, query, productID)
	if err != nil {
		return nil, productError("list adjustments", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StockAdjustment, error) {
		var a domain.StockAdjustment
		err := row.Scan(&a.ID, &a.ProductID, &a.Delta, &a.Reason, &a.StockAfter, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, productError("list adjustments", err)
	}
	return out, nil
}

// filterClause renders the WHERE clause of f and its arguments.
func filterClause(f domain.ProductFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.MinPrice != nil {
		add("price_cents >= $%d", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		add("price_cents <= $%d", *f.MaxPrice)
	}
	if f.InStock != nil {
		if *f.InStock {
			conds = append(conds, "stock - reserved_stock > 0")
		} else {
			conds = append(conds, "stock - reserved_stock <= 0")
		}
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR sku ILIKE $%d)", n, n))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *ProductRepository) collectProducts(ctx context.Context, op, query string, args ...any) ([]domain.Product, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, productError(op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
		return scanProduct(row)
	})
	if err != nil {
		return nil, productError(op, err)
	}
	return out, nil
}

func (r *ProductRepository) ListProducts(ctx context.Context, f domain.ProductFilter) ([]domain.Product, error) {
	where, args := filterClause(f)
	query := `SELECT ` + productColumns + ` FROM products` + where + ` ORDER BY created_at, sku`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return r.collectProducts(ctx, "list products", query, args...)
}

func (r *ProductRepository) CountProducts(ctx context.Context, f domain.ProductFilter) (int, error) {
	where, args := filterClause(f)
	var n int
	if err := r.queryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&n); err != nil {
		return 0, productError("count products", err)
	}
	return n, nil
}

func (r *ProductRepository) ListLowStock(ctx context.Context, threshold, limit int) ([]domain.Product, error) {
	const query = `
SELECT ` + productColumns + `
FROM products
WHERE stock - reserved_stock <= $1
ORDER BY stock - reserved_stock, created_at, sku
LIMIT $2`
	return r.collectProducts(ctx, "list low stock", query, threshold, limit)
}

// UpdateCatalog writes the catalog fields of p. Counters and version are untouched.
func (r *ProductRepository) UpdateCatalog(ctx context.Context, p domain.Product) (domain.Product, error) {
	const stmt = `
UPDATE products
SET sku = $2, name = $3, category = $4, status = $5, price_cents = $6, updated_at = NOW()
WHERE id = $1
RETURNING ` + productColumns

	updated, err := scanProduct(r.queryRow(ctx, stmt, p.ID, p.SKU, p.Name, p.Category, p.Status, p.PriceCents))
	if err != nil {
		return domain.Product{}, productError("update product", err)
	}
	return updated, nil
}

// DeleteProduct removes a product that holds no reserved stock, along with its history.
func (r *ProductRepository) DeleteProduct(ctx context.Context, productID string) error {
	tag, err := r.exec(ctx, `DELETE FROM products WHERE id = $1 AND reserved_stock = 0`, productID)
	if err != nil {
		return productError("delete product", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetProduct(ctx, productID); err != nil {
		return err
	}
	return domain.ErrProductHasReservations
}
