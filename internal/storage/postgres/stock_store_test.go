package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/testutil"
)

type StockStoreSuite struct {
	suite.Suite
	mode  LockingMode
	pool  *pgxpool.Pool
	store *StockStore
}

func TestStockStore_Pessimistic(t *testing.T) {
	suite.Run(t, &StockStoreSuite{mode: Pessimistic})
}

func TestStockStore_Optimistic(t *testing.T) {
	suite.Run(t, &StockStoreSuite{mode: Optimistic})
}

func (s *StockStoreSuite) SetupSuite() {
	s.pool = testutil.NewTestPool(s.T())
	testutil.ApplyMigrations(s.T(), context.Background(), s.pool)
	s.store = NewStockStore(s.pool, s.mode)
}

func (s *StockStoreSuite) SetupTest() {
	testutil.TruncateAll(s.T(), context.Background(), s.pool)
}

func (s *StockStoreSuite) engine(opts ...app.EngineOption) *app.ReservationEngine {
	opts = append([]app.EngineOption{app.WithConflictRetries(50, time.Millisecond, 20*time.Millisecond)}, opts...)
	return app.NewReservationEngine(s.store, clock.NewSystem(), opts...)
}

func (s *StockStoreSuite) requireConsistent(productID string) domain.Product {
	ctx := context.Background()
	p, err := s.store.GetProduct(ctx, productID)
	s.Require().NoError(err)
	s.Require().NoError(p.CheckInvariant())

	active, err := s.store.ListActiveReservations(ctx, productID)
	s.Require().NoError(err)
	sum := 0
	for _, r := range active {
		sum += r.Quantity
	}
	s.Require().Equal(p.ReservedStock, sum)
	return p
}

func (s *StockStoreSuite) TestLifecycleScenario() {
	ctx := context.Background()
	id := testutil.InsertProduct(s.T(), ctx, s.pool, "SKU-1", 10, 0)
	engine := s.engine()

	r1, err := engine.Reserve(ctx, app.ReserveInput{ProductID: id, Quantity: 7})
	s.Require().NoError(err)
	s.Equal(3, r1.Product.Available())

	r2, err := engine.Reserve(ctx, app.ReserveInput{ProductID: id, Quantity: 3})
	s.Require().NoError(err)
	s.Equal(0, r2.Product.Available())

	_, err = engine.Reserve(ctx, app.ReserveInput{ProductID: id, Quantity: 1})
	s.Require().ErrorIs(err, domain.ErrInsufficientStock)

	p, err := engine.Commit(ctx, r1.Reservation.ID)
	s.Require().NoError(err)
	s.Equal(3, p.Stock)
	s.Equal(3, p.ReservedStock)

	p, err = engine.Release(ctx, r2.Reservation.ID)
	s.Require().NoError(err)
	s.Equal(3, p.Available())

	_, err = engine.Commit(ctx, r2.Reservation.ID)
	s.Require().ErrorIs(err, domain.ErrInvalidState)
	s.requireConsistent(id)
}

func (s *StockStoreSuite) TestConcurrentReservesNeverOversell() {
	ctx := context.Background()
	id := testutil.InsertProduct(s.T(), ctx, s.pool, "SKU-1", 10, 0)
	engine := s.engine()

	const buyers = 30
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		others    []error
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Reserve(ctx, app.ReserveInput{ProductID: id, Quantity: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrContention):
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	s.Require().Empty(others)
	s.Require().LessOrEqual(succeeded, 10)
	p := s.requireConsistent(id)
	s.Equal(succeeded, p.ReservedStock)
}

func (s *StockStoreSuite) TestAdjustStockBoundary() {
	ctx := context.Background()
	id := testutil.InsertProduct(s.T(), ctx, s.pool, "SKU-1", 10, 0)
	engine := s.engine()

	_, err := engine.Reserve(ctx, app.ReserveInput{ProductID: id, Quantity: 4})
	s.Require().NoError(err)

	_, err = engine.AdjustStock(ctx, app.AdjustStockInput{ProductID: id, Delta: -7})
	s.Require().ErrorIs(err, domain.ErrInvalidAdjustment)

	p, err := engine.AdjustStock(ctx, app.AdjustStockInput{ProductID: id, Delta: 5, Reason: "restock"})
	s.Require().NoError(err)
	s.Equal(15, p.Stock)

	trail, err := s.store.ListAdjustments(ctx, id)
	s.Require().NoError(err)
	s.Require().Len(trail, 1)
	s.Equal(15, trail[0].StockAfter)
	s.requireConsistent(id)
}

func (s *StockStoreSuite) TestIdempotentReserveAndOrderLines() {
	ctx := context.Background()
	id := testutil.InsertProduct(s.T(), ctx, s.pool, "SKU-1", 10, 0)
	engine := s.engine()

	in := app.ReserveInput{ProductID: id, Quantity: 2, OrderID: "order-1", IdempotencyKey: "idem-1"}
	first, err := engine.Reserve(ctx, in)
	s.Require().NoError(err)
	again, err := engine.Reserve(ctx, in)
	s.Require().NoError(err)
	s.False(again.Created)
	s.Equal(first.Reservation.ID, again.Reservation.ID)

	settled, err := engine.CommitOrderLine(ctx, "order-1", id)
	s.Require().NoError(err)
	s.Equal(1, settled.Settled)

	settled, err = engine.CommitOrderLine(ctx, "order-1", id)
	s.Require().NoError(err)
	s.Equal(0, settled.Settled)

	_, err = engine.ReleaseOrderLine(ctx, "order-2", id)
	s.Require().ErrorIs(err, domain.ErrNotFound)

	p := s.requireConsistent(id)
	s.Equal(8, p.Stock)
}

func (s *StockStoreSuite) TestExpireReservations() {
	ctx := context.Background()
	id := testutil.InsertProduct(s.T(), ctx, s.pool, "SKU-1", 10, 3)
	past := time.Now().Add(-time.Minute).UTC()
	resID := testutil.InsertReservation(s.T(), ctx, s.pool, domain.Reservation{
		ProductID: id,
		Quantity:  3,
		State:     domain.ReservationActive,
		ExpiresAt: &past,
	})

	released, err := s.engine().ExpireReservations(ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, released)

	res, err := s.store.GetReservation(ctx, resID)
	s.Require().NoError(err)
	s.Equal(domain.ReservationReleased, res.State)
	s.Equal(0, s.requireConsistent(id).ReservedStock)
}

func (s *StockStoreSuite) TestStaleWritesConflict() {
	ctx := context.Background()
	id := testutil.InsertProduct(s.T(), ctx, s.pool, "SKU-1", 10, 0)

	p, err := s.store.GetProduct(ctx, id)
	s.Require().NoError(err)

	p.Stock = 11
	updated, err := s.store.UpdateStock(ctx, p)
	s.Require().NoError(err)
	s.Equal(p.Version+1, updated.Version)

	p.Stock = 12
	_, err = s.store.UpdateStock(ctx, p)
	s.Require().ErrorIs(err, domain.ErrConflict)

	missing := p
	missing.ID = "00000000-0000-0000-0000-000000000001"
	_, err = s.store.UpdateStock(ctx, missing)
	s.Require().ErrorIs(err, domain.ErrProductNotFound)

	resID := testutil.InsertReservation(s.T(), ctx, s.pool, domain.Reservation{ProductID: id, Quantity: 1, State: domain.ReservationCommitted})
	err = s.store.UpdateReservation(ctx, domain.Reservation{ID: resID, Quantity: 1, State: domain.ReservationReleased, UpdatedAt: time.Now()}, domain.ReservationActive)
	s.Require().ErrorIs(err, domain.ErrConflict)

	_, err = s.store.GetReservation(ctx, "not-a-uuid")
	s.Require().ErrorIs(err, domain.ErrInvalidID)
}

func TestProductRepository_Catalog(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)
	repo := NewProductRepository(pool, Pessimistic)

	mug, err := repo.CreateProduct(ctx, domain.Product{ID: "6f1c1f0e-3a4b-4c55-9b7a-1d2e3f405162", SKU: "MUG-1", Name: "Red Mug", Category: "kitchen", Status: domain.ProductStatusActive, PriceCents: 900, Stock: 2})
	require.NoError(t, err)
	require.Equal(t, int64(1), mug.Version)

	_, err = repo.CreateProduct(ctx, domain.Product{ID: "6f1c1f0e-3a4b-4c55-9b7a-1d2e3f405163", SKU: "mug-1", Name: "Dup", Status: domain.ProductStatusActive})
	require.ErrorIs(t, err, domain.ErrDuplicateSKU)

	lampID := testutil.InsertProduct(t, ctx, pool, "LAMP-1", 20, 0)

	yes := true
	list, err := repo.ListProducts(ctx, domain.ProductFilter{Search: "mug", InStock: &yes, Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, mug.ID, list[0].ID)

	n, err := repo.CountProducts(ctx, domain.ProductFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	low, err := repo.ListLowStock(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, low, 1)
	require.Equal(t, "MUG-1", low[0].SKU)

	bySKU, err := repo.GetProductBySKU(ctx, "lamp-1")
	require.NoError(t, err)
	require.Equal(t, lampID, bySKU.ID)

	mug.Name = "Large Mug"
	mug.Stock = 99
	updated, err := repo.UpdateCatalog(ctx, mug)
	require.NoError(t, err)
	require.Equal(t, "Large Mug", updated.Name)
	require.Equal(t, 2, updated.Stock)

	_, err = repo.GetProduct(ctx, "not-a-uuid")
	require.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestProductRepository_DeleteGuard(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)
	repo := NewProductRepository(pool, Pessimistic)

	held := testutil.InsertProduct(t, ctx, pool, "SKU-1", 5, 2)
	free := testutil.InsertProduct(t, ctx, pool, "SKU-2", 5, 0)

	require.ErrorIs(t, repo.DeleteProduct(ctx, held), domain.ErrProductHasReservations)
	require.NoError(t, repo.DeleteProduct(ctx, free))
	require.ErrorIs(t, repo.DeleteProduct(ctx, free), domain.ErrProductNotFound)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.NoError(t, classify(nil))
	require.ErrorIs(t, classify(domain.ErrConflict), domain.ErrConflict)
	plain := errors.New("boom")
	require.Equal(t, plain, classify(plain))

	for _, code := range []string{"40001", "40P01"} {
		err := classify(fmt.Errorf("commit: %w", &pgconn.PgError{Code: code, Message: "could not serialize access"}))
		require.ErrorIs(t, err, domain.ErrConflict, code)
	}
	require.False(t, errors.Is(classify(&pgconn.PgError{Code: "23505"}), domain.ErrConflict))
}
