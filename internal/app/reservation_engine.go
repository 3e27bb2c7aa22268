package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/domain"
)

// StockRepository is the storage contract of the reservation engine.
//
// GetProductForUpdate gives the caller exclusive ownership of the product row until the
// surrounding WithTx returns, or, for optimistic stores, defers the check to UpdateStock
// and UpdateReservation, which fail with domain.ErrConflict when the row moved on.
type StockRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	GetProductForUpdate(ctx context.Context, productID string) (domain.Product, error)
	// UpdateStock writes the counters of p if the stored version still equals p.Version,
	// and returns the stored row with its new version.
	UpdateStock(ctx context.Context, p domain.Product) (domain.Product, error)
	RecordAdjustment(ctx context.Context, adj domain.StockAdjustment) error

	CreateReservation(ctx context.Context, r domain.Reservation) error
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	FindReservationByIdempotencyKey(ctx context.Context, productID, key string) (*domain.Reservation, error)
	// UpdateReservation writes state and quantity of r if the stored state still equals from.
	UpdateReservation(ctx context.Context, r domain.Reservation, from domain.ReservationState) error
	ListOrderLineReservations(ctx context.Context, orderID, productID string) ([]domain.Reservation, error)
	// ListActiveReservations returns active reservations of a product, oldest first.
	ListActiveReservations(ctx context.Context, productID string) ([]domain.Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

// Metrics receives engine and reconciler outcomes. A nil Metrics is replaced by a no-op.
type Metrics interface {
	ObserveOperation(op string, err error)
	ObserveConflict(op string)
	ObserveReconcileLine(event domain.OrderEventType, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, error)                     {}
func (noopMetrics) ObserveConflict(string)                             {}
func (noopMetrics) ObserveReconcileLine(domain.OrderEventType, string) {}

// ReservationEngine is the only writer of product stock counters and owns the
// reservation lifecycle.
type ReservationEngine struct {
	repo           StockRepository
	clock          clock.Clock
	reservationTTL time.Duration
	retry          conflictRetrier
	metrics        Metrics
	tracer         trace.Tracer
}

type EngineOption func(*ReservationEngine)

// WithReservationTTL makes new reservations expire after d. Zero disables expiry.
func WithReservationTTL(d time.Duration) EngineOption {
	return func(e *ReservationEngine) {
		if d >= 0 {
			e.reservationTTL = d
		}
	}
}

// WithConflictRetries bounds how many times a mutation is retried after losing an
// optimistic race, and the backoff between attempts.
func WithConflictRetries(maxRetries int, initial, max time.Duration) EngineOption {
	return func(e *ReservationEngine) {
		if maxRetries >= 0 {
			e.retry.maxRetries = maxRetries
		}
		if initial > 0 {
			e.retry.initial = initial
		}
		if max > 0 {
			e.retry.max = max
		}
	}
}

func WithMetrics(m Metrics) EngineOption {
	return func(e *ReservationEngine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func NewReservationEngine(repo StockRepository, clk clock.Clock, opts ...EngineOption) *ReservationEngine {
	if clk == nil {
		clk = clock.NewSystem()
	}
	e := &ReservationEngine{
		repo:  repo,
		clock: clk,
		retry: conflictRetrier{
			maxRetries: defaultMaxConflictRetries,
			initial:    defaultRetryInitial,
			max:        defaultRetryMax,
		},
		metrics: noopMetrics{},
		tracer:  otel.Tracer("github.com/cimillas/stockroom/internal/app"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type ReserveInput struct {
	ProductID      string
	Quantity       int
	OrderID        string
	IdempotencyKey string
}

type ReserveResult struct {
	Reservation domain.Reservation
	Product     domain.Product
	// Created is false when an idempotent retry returned an earlier reservation.
	Created bool
}

// Reserve holds in.Quantity units of a product.
func (e *ReservationEngine) Reserve(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	if in.Quantity <= 0 {
		return ReserveResult{}, domain.ErrInvalidQuantity
	}
	if in.ProductID == "" {
		return ReserveResult{}, domain.ErrInvalidID
	}

	var result ReserveResult
	err := e.mutate(ctx, "reserve", in.ProductID, func(txCtx context.Context) error {
		result = ReserveResult{}

		p, err := e.repo.GetProductForUpdate(txCtx, in.ProductID)
		if err != nil {
			return err
		}

		if in.IdempotencyKey != "" {
			existing, err := e.repo.FindReservationByIdempotencyKey(txCtx, in.ProductID, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Quantity != in.Quantity || existing.OrderID != in.OrderID {
					return domain.ErrIdempotencyConflict
				}
				result = ReserveResult{Reservation: *existing, Product: p}
				return nil
			}
		}

		next, err := p.Reserve(in.Quantity)
		if err != nil {
			return err
		}
		stored, err := e.repo.UpdateStock(txCtx, next)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		r := domain.Reservation{
			ID:             newID(),
			ProductID:      in.ProductID,
			Quantity:       in.Quantity,
			OrderID:        in.OrderID,
			IdempotencyKey: in.IdempotencyKey,
			State:          domain.ReservationActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if e.reservationTTL > 0 {
			expiresAt := now.Add(e.reservationTTL)
			r.ExpiresAt = &expiresAt
		}
		if err := e.repo.CreateReservation(txCtx, r); err != nil {
			return err
		}

		result = ReserveResult{Reservation: r, Product: stored, Created: true}
		return nil
	})
	if err != nil {
		return ReserveResult{}, err
	}
	return result, nil
}

// Release returns a reservation's units to available stock. Releasing a released
// reservation is a no-op; releasing a committed one fails with domain.ErrInvalidState.
func (e *ReservationEngine) Release(ctx context.Context, reservationID string) (domain.Product, error) {
	return e.settle(ctx, "release", reservationID, domain.ReservationReleased)
}

// Commit turns a reservation into a sale, removing its units from stock. Committing a
// committed reservation is a no-op; committing a released one fails with domain.ErrInvalidState.
func (e *ReservationEngine) Commit(ctx context.Context, reservationID string) (domain.Product, error) {
	return e.settle(ctx, "commit", reservationID, domain.ReservationCommitted)
}

func (e *ReservationEngine) settle(ctx context.Context, op, reservationID string, target domain.ReservationState) (domain.Product, error) {
	if reservationID == "" {
		return domain.Product{}, domain.ErrInvalidID
	}
	// Learn the product outside the critical section; the reservation is re-read
	// once the product is held.
	r, err := e.repo.GetReservation(ctx, reservationID)
	if err != nil {
		e.metrics.ObserveOperation(op, err)
		return domain.Product{}, err
	}

	var result domain.Product
	err = e.mutate(ctx, op, r.ProductID, func(txCtx context.Context) error {
		p, err := e.repo.GetProductForUpdate(txCtx, r.ProductID)
		if err != nil {
			return err
		}
		current, err := e.repo.GetReservation(txCtx, reservationID)
		if err != nil {
			return err
		}
		result, err = e.applyTransition(txCtx, p, current, target)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	return result, nil
}

// applyTransition moves r to target and updates the counters of p accordingly.
// p must be held by the caller.
func (e *ReservationEngine) applyTransition(ctx context.Context, p domain.Product, r domain.Reservation, target domain.ReservationState) (domain.Product, error) {
	next, changed, err := r.Transition(target, e.clock.Now())
	if err != nil {
		return domain.Product{}, err
	}
	if !changed {
		return p, nil
	}

	var counters domain.Product
	if target == domain.ReservationCommitted {
		counters, err = p.Consume(r.Quantity)
	} else {
		counters, err = p.Unreserve(r.Quantity)
	}
	if err != nil {
		return domain.Product{}, err
	}

	stored, err := e.repo.UpdateStock(ctx, counters)
	if err != nil {
		return domain.Product{}, err
	}
	if err := e.repo.UpdateReservation(ctx, next, domain.ReservationActive); err != nil {
		return domain.Product{}, err
	}
	return stored, nil
}

// ReleaseQuantity is the bare-quantity release path kept for callers that only know
// (product, quantity). It settles the oldest active reservations first. It carries no
// idempotency key, so callers must deliver it exactly once.
func (e *ReservationEngine) ReleaseQuantity(ctx context.Context, productID string, quantity int) (domain.Product, error) {
	return e.settleQuantity(ctx, "release_quantity", productID, quantity, domain.ReservationReleased)
}

// CommitQuantity is the bare-quantity counterpart of Commit. See ReleaseQuantity.
func (e *ReservationEngine) CommitQuantity(ctx context.Context, productID string, quantity int) (domain.Product, error) {
	return e.settleQuantity(ctx, "commit_quantity", productID, quantity, domain.ReservationCommitted)
}

func (e *ReservationEngine) settleQuantity(ctx context.Context, op, productID string, quantity int, target domain.ReservationState) (domain.Product, error) {
	if quantity <= 0 {
		return domain.Product{}, domain.ErrInvalidQuantity
	}
	if productID == "" {
		return domain.Product{}, domain.ErrInvalidID
	}

	var result domain.Product
	err := e.mutate(ctx, op, productID, func(txCtx context.Context) error {
		p, err := e.repo.GetProductForUpdate(txCtx, productID)
		if err != nil {
			return err
		}
		if quantity > p.ReservedStock {
			return fmt.Errorf("%w: %d exceeds reserved %d", domain.ErrInvalidState, quantity, p.ReservedStock)
		}
		active, err := e.repo.ListActiveReservations(txCtx, productID)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		remaining := quantity
		for _, r := range active {
			if remaining == 0 {
				break
			}
			if r.Quantity <= remaining {
				next, _, err := r.Transition(target, now)
				if err != nil {
					return err
				}
				if err := e.repo.UpdateReservation(txCtx, next, domain.ReservationActive); err != nil {
					return err
				}
				remaining -= r.Quantity
				continue
			}
			// Split: the settled part leaves the hold, the rest stays active.
			r.Quantity -= remaining
			r.UpdatedAt = now
			if err := e.repo.UpdateReservation(txCtx, r, domain.ReservationActive); err != nil {
				return err
			}
			remaining = 0
		}
		if remaining > 0 {
			return fmt.Errorf("%w: active reservations cover %d of %d", domain.ErrInvalidState, quantity-remaining, quantity)
		}

		var counters domain.Product
		if target == domain.ReservationCommitted {
			counters, err = p.Consume(quantity)
		} else {
			counters, err = p.Unreserve(quantity)
		}
		if err != nil {
			return err
		}
		result, err = e.repo.UpdateStock(txCtx, counters)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	return result, nil
}

type AdjustStockInput struct {
	ProductID string
	Delta     int
	Reason    string
}

// AdjustStock applies a direct correction to a product's stock.
func (e *ReservationEngine) AdjustStock(ctx context.Context, in AdjustStockInput) (domain.Product, error) {
	if in.ProductID == "" {
		return domain.Product{}, domain.ErrInvalidID
	}

	var result domain.Product
	err := e.mutate(ctx, "adjust", in.ProductID, func(txCtx context.Context) error {
		p, err := e.repo.GetProductForUpdate(txCtx, in.ProductID)
		if err != nil {
			return err
		}
		next, err := p.Adjust(in.Delta)
		if err != nil {
			return err
		}
		stored, err := e.repo.UpdateStock(txCtx, next)
		if err != nil {
			return err
		}
		if err := e.repo.RecordAdjustment(txCtx, domain.StockAdjustment{
			ID:         newID(),
			ProductID:  in.ProductID,
			Delta:      in.Delta,
			Reason:     in.Reason,
			StockAfter: stored.Stock,
			CreatedAt:  e.clock.Now(),
		}); err != nil {
			return err
		}
		result = stored
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return result, nil
}

// Available returns stock - reservedStock from committed state.
func (e *ReservationEngine) Available(ctx context.Context, productID string) (int, error) {
	p, err := e.repo.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.Available(), nil
}

func (e *ReservationEngine) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	if reservationID == "" {
		return domain.Reservation{}, domain.ErrInvalidID
	}
	return e.repo.GetReservation(ctx, reservationID)
}

// LineSettlement is the outcome of settling one order line.
type LineSettlement struct {
	Product domain.Product
	// Settled counts reservations moved by this call; zero means the line had
	// already been settled.
	Settled int
	// Quantity is the total quantity of the line's reservations in the target state.
	Quantity int
}

// CommitOrderLine commits every active reservation held for (orderID, productID).
func (e *ReservationEngine) CommitOrderLine(ctx context.Context, orderID, productID string) (LineSettlement, error) {
	return e.settleOrderLine(ctx, "commit_order_line", orderID, productID, domain.ReservationCommitted)
}

// ReleaseOrderLine releases every active reservation held for (orderID, productID).
func (e *ReservationEngine) ReleaseOrderLine(ctx context.Context, orderID, productID string) (LineSettlement, error) {
	return e.settleOrderLine(ctx, "release_order_line", orderID, productID, domain.ReservationReleased)
}

func (e *ReservationEngine) settleOrderLine(ctx context.Context, op, orderID, productID string, target domain.ReservationState) (LineSettlement, error) {
	if orderID == "" || productID == "" {
		return LineSettlement{}, domain.ErrInvalidID
	}

	var result LineSettlement
	err := e.mutate(ctx, op, productID, func(txCtx context.Context) error {
		result = LineSettlement{}

		p, err := e.repo.GetProductForUpdate(txCtx, productID)
		if err != nil {
			return err
		}
		reservations, err := e.repo.ListOrderLineReservations(txCtx, orderID, productID)
		if err != nil {
			return err
		}
		if len(reservations) == 0 {
			return fmt.Errorf("%w: order %s has no reservation for product %s", domain.ErrReservationNotFound, orderID, productID)
		}

		var blocked error
		for _, r := range reservations {
			switch r.State {
			case target:
				result.Quantity += r.Quantity
			case domain.ReservationActive:
				p, err = e.applyTransition(txCtx, p, r, target)
				if err != nil {
					return err
				}
				result.Settled++
				result.Quantity += r.Quantity
			default:
				blocked = fmt.Errorf("%w: reservation %s is %s", domain.ErrInvalidState, r.ID, r.State)
			}
		}
		if result.Quantity == 0 && blocked != nil {
			return blocked
		}
		result.Product = p
		return nil
	})
	if err != nil {
		return LineSettlement{}, err
	}
	return result, nil
}

// ExpireReservations releases up to limit active reservations whose TTL has passed and
// returns how many were released.
func (e *ReservationEngine) ExpireReservations(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	expired, err := e.repo.ListExpiredReservations(ctx, e.clock.Now(), limit)
	if err != nil {
		return 0, err
	}

	released := 0
	var errs error
	for _, r := range expired {
		var changed bool
		err := e.mutate(ctx, "expire", r.ProductID, func(txCtx context.Context) error {
			changed = false
			p, err := e.repo.GetProductForUpdate(txCtx, r.ProductID)
			if err != nil {
				return err
			}
			current, err := e.repo.GetReservation(txCtx, r.ID)
			if err != nil {
				return err
			}
			if !current.Expired(e.clock.Now()) {
				return nil
			}
			if _, err := e.applyTransition(txCtx, p, current, domain.ReservationReleased); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("expire reservation %s: %w", r.ID, err))
			continue
		}
		if changed {
			released++
		}
	}
	return released, errs
}

// mutate runs fn in a transaction, retrying lost optimistic races.
func (e *ReservationEngine) mutate(ctx context.Context, op, productID string, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "stock."+op, trace.WithAttributes(
		attribute.String("product.id", productID),
	))
	defer span.End()

	retry := e.retry
	retry.onConflict = func() { e.metrics.ObserveConflict(op) }
	err := retry.do(ctx, func() error {
		return e.repo.WithTx(ctx, fn)
	})

	e.metrics.ObserveOperation(op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
