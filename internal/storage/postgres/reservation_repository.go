package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cimillas/stockroom/internal/domain"
)

const reservationColumns = `id, product_id, quantity, order_id, idempotency_key, state, expires_at, created_at, updated_at`

type ReservationRepository struct {
	conn
}

func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{conn: conn{pool: pool}}
}

func (r *ReservationRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(&res.ID, &res.ProductID, &res.Quantity, &res.OrderID, &res.IdempotencyKey,
		&res.State, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	return res, err
}

func reservationError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrReservationNotFound
	case isInvalidUUID(err):
		return domain.ErrInvalidID
	}
	return fmt.Errorf("%s: %w", op, classify(err))
}

func (r *ReservationRepository) CreateReservation(ctx context.Context, res domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, product_id, quantity, order_id, idempotency_key, state, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.exec(ctx, stmt,
		res.ID,
		res.ProductID,
		res.Quantity,
		res.OrderID,
		res.IdempotencyKey,
		res.State,
		res.ExpiresAt,
		res.CreatedAt,
		res.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return domain.ErrIdempotencyConflict
		case isForeignKeyViolation(err):
			return domain.ErrProductNotFound
		}
		return reservationError("create reservation", err)
	}
	return nil
}

func (r *ReservationRepository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	res, err := scanReservation(r.queryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, reservationID))
	if err != nil {
		return domain.Reservation{}, reservationError("get reservation", err)
	}
	return res, nil
}

func (r *ReservationRepository) FindReservationByIdempotencyKey(ctx context.Context, productID, key string) (*domain.Reservation, error) {
	const query = `
SELECT ` + reservationColumns + `
FROM reservations
WHERE product_id = $1 AND idempotency_key = $2`

	res, err := scanReservation(r.queryRow(ctx, query, productID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, reservationError("find reservation by idempotency key", err)
	}
	return &res, nil
}

// UpdateReservation writes state and quantity when the stored state still equals from.
func (r *ReservationRepository) UpdateReservation(ctx context.Context, res domain.Reservation, from domain.ReservationState) error {
	const stmt = `
UPDATE reservations
SET state = $2, quantity = $3, updated_at = $4
WHERE id = $1 AND state = $5`

	tag, err := r.exec(ctx, stmt, res.ID, res.State, res.Quantity, res.UpdatedAt, from)
	if err != nil {
		return reservationError("update reservation", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetReservation(ctx, res.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: reservation %s left state %s", domain.ErrConflict, res.ID, from)
}

func (r *ReservationRepository) collect(ctx context.Context, op, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, reservationError(op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Reservation, error) {
		return scanReservation(row)
	})
	if err != nil {
		return nil, reservationError(op, err)
	}
	return out, nil
}

func (r *ReservationRepository) ListOrderLineReservations(ctx context.Context, orderID, productID string) ([]domain.Reservation, error) {
	const query = `
SELECT ` + reservationColumns + `
FROM reservations
WHERE order_id = $1 AND product_id = $2
ORDER BY seq`
	return r.collect(ctx, "list order line reservations", query, orderID, productID)
}

func (r *ReservationRepository) ListActiveReservations(ctx context.Context, productID string) ([]domain.Reservation, error) {
	const query = `
SELECT ` + reservationColumns + `
FROM reservations
WHERE product_id = $1 AND state = 'active'
ORDER BY seq`
	return r.collect(ctx, "list active reservations", query, productID)
}

func (r *ReservationRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	const query = `
SELECT ` + reservationColumns + `
FROM reservations
WHERE state = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at, seq
LIMIT $2`
	return r.collect(ctx, "list expired reservations", query, now, limit)
}

// StockStore combines product and reservation storage behind one transaction scope.
type StockStore struct {
	*ProductRepository
	*ReservationRepository
	pool *pgxpool.Pool
}

func NewStockStore(pool *pgxpool.Pool, mode LockingMode) *StockStore {
	return &StockStore{
		ProductRepository:     NewProductRepository(pool, mode),
		ReservationRepository: NewReservationRepository(pool),
		pool:                  pool,
	}
}

func (s *StockStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}
