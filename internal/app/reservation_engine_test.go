package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, stock int, opts ...EngineOption) (*ReservationEngine, *memory.Store, string) {
	t.Helper()
	store := memory.New(memory.WithClock(clock.NewManual(testNow)))
	p, err := store.CreateProduct(context.Background(), domain.Product{
		ID:     "prod-1",
		SKU:    "SKU-1",
		Name:   "Widget",
		Status: domain.ProductStatusActive,
		Stock:  stock,
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return NewReservationEngine(store, clock.NewManual(testNow), opts...), store, p.ID
}

func assertCounters(t *testing.T, store *memory.Store, productID string, stock, reserved int) {
	t.Helper()
	p, err := store.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.Stock != stock || p.ReservedStock != reserved {
		t.Fatalf("expected stock=%d reserved=%d, got stock=%d reserved=%d", stock, reserved, p.Stock, p.ReservedStock)
	}
	active, err := store.ListActiveReservations(context.Background(), productID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	sum := 0
	for _, r := range active {
		sum += r.Quantity
	}
	if sum != p.ReservedStock {
		t.Fatalf("expected active reservations to sum to reserved %d, got %d", p.ReservedStock, sum)
	}
}

func TestReservationEngine_Lifecycle(t *testing.T) {
	t.Parallel()

	engine, store, productID := newTestEngine(t, 10)
	ctx := context.Background()

	r1, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 7})
	if err != nil {
		t.Fatalf("reserve 7: %v", err)
	}
	if r1.Product.Available() != 3 || r1.Reservation.State != domain.ReservationActive {
		t.Fatalf("expected available 3 and active reservation, got %+v", r1)
	}

	r2, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 3})
	if err != nil {
		t.Fatalf("reserve 3: %v", err)
	}
	if r2.Product.Available() != 0 {
		t.Fatalf("expected available 0, got %d", r2.Product.Available())
	}

	if _, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 1}); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	assertCounters(t, store, productID, 10, 10)

	p, err := engine.Commit(ctx, r1.Reservation.ID)
	if err != nil {
		t.Fatalf("commit r1: %v", err)
	}
	if p.Stock != 3 || p.ReservedStock != 3 {
		t.Fatalf("expected stock=3 reserved=3, got %+v", p)
	}

	p, err = engine.Release(ctx, r2.Reservation.ID)
	if err != nil {
		t.Fatalf("release r2: %v", err)
	}
	if p.Stock != 3 || p.ReservedStock != 0 || p.Available() != 3 {
		t.Fatalf("expected stock=3 reserved=0, got %+v", p)
	}
	assertCounters(t, store, productID, 3, 0)

	available, err := engine.Available(ctx, productID)
	if err != nil || available != 3 {
		t.Fatalf("expected available 3, got %d (%v)", available, err)
	}
}

func TestReservationEngine_TerminalTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		first   func(*ReservationEngine, context.Context, string) (domain.Product, error)
		second  func(*ReservationEngine, context.Context, string) (domain.Product, error)
		wantErr error
		stock   int
	}{
		{
			name:   "commit twice is a no-op",
			first:  (*ReservationEngine).Commit,
			second: (*ReservationEngine).Commit,
			stock:  6,
		},
		{
			name:   "release twice is a no-op",
			first:  (*ReservationEngine).Release,
			second: (*ReservationEngine).Release,
			stock:  10,
		},
		{
			name:    "release after commit",
			first:   (*ReservationEngine).Commit,
			second:  (*ReservationEngine).Release,
			wantErr: domain.ErrInvalidState,
			stock:   6,
		},
		{
			name:    "commit after release",
			first:   (*ReservationEngine).Release,
			second:  (*ReservationEngine).Commit,
			wantErr: domain.ErrInvalidState,
			stock:   10,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine, store, productID := newTestEngine(t, 10)
			ctx := context.Background()

			res, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 4})
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if _, err := tt.first(engine, ctx, res.Reservation.ID); err != nil {
				t.Fatalf("first transition: %v", err)
			}
			_, err = tt.second(engine, ctx, res.Reservation.ID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			assertCounters(t, store, productID, tt.stock, 0)
		})
	}
}

func TestReservationEngine_Validation(t *testing.T) {
	t.Parallel()

	engine, _, productID := newTestEngine(t, 10)
	ctx := context.Background()

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{
			name: "zero quantity",
			run: func() error {
				_, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 0})
				return err
			},
			wantErr: domain.ErrInvalidQuantity,
		},
		{
			name: "unknown product",
			run: func() error {
				_, err := engine.Reserve(ctx, ReserveInput{ProductID: "missing", Quantity: 1})
				return err
			},
			wantErr: domain.ErrNotFound,
		},
		{
			name: "unknown reservation",
			run: func() error {
				_, err := engine.Commit(ctx, "missing")
				return err
			},
			wantErr: domain.ErrReservationNotFound,
		},
		{
			name: "empty reservation id",
			run: func() error {
				_, err := engine.Release(ctx, "")
				return err
			},
			wantErr: domain.ErrInvalidID,
		},
		{
			name: "available of unknown product",
			run: func() error {
				_, err := engine.Available(ctx, "missing")
				return err
			},
			wantErr: domain.ErrProductNotFound,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReservationEngine_AdjustStock(t *testing.T) {
	t.Parallel()

	engine, store, productID := newTestEngine(t, 10)
	ctx := context.Background()

	if _, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 4}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := engine.AdjustStock(ctx, AdjustStockInput{ProductID: productID, Delta: -7}); !errors.Is(err, domain.ErrInvalidAdjustment) {
		t.Fatalf("expected ErrInvalidAdjustment, got %v", err)
	}
	assertCounters(t, store, productID, 10, 4)

	p, err := engine.AdjustStock(ctx, AdjustStockInput{ProductID: productID, Delta: -6, Reason: "cycle count"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.Stock != 4 || p.Available() != 0 {
		t.Fatalf("expected stock 4 and nothing available, got %+v", p)
	}

	if _, err := engine.AdjustStock(ctx, AdjustStockInput{ProductID: productID, Delta: 0}); !errors.Is(err, domain.ErrInvalidAdjustment) {
		t.Fatalf("expected ErrInvalidAdjustment for zero delta, got %v", err)
	}

	trail, err := store.ListAdjustments(ctx, productID)
	if err != nil {
		t.Fatalf("list adjustments: %v", err)
	}
	if len(trail) != 1 || trail[0].Delta != -6 || trail[0].StockAfter != 4 || trail[0].Reason != "cycle count" {
		t.Fatalf("expected one audited adjustment, got %+v", trail)
	}
}

func TestReservationEngine_IdempotencyKey(t *testing.T) {
	t.Parallel()

	engine, store, productID := newTestEngine(t, 10)
	ctx := context.Background()

	in := ReserveInput{ProductID: productID, Quantity: 2, OrderID: "order-1", IdempotencyKey: "idem-1"}
	first, err := engine.Reserve(ctx, in)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first reserve to create")
	}

	again, err := engine.Reserve(ctx, in)
	if err != nil {
		t.Fatalf("repeat reserve: %v", err)
	}
	if again.Created || again.Reservation.ID != first.Reservation.ID {
		t.Fatalf("expected the existing reservation, got %+v", again)
	}
	assertCounters(t, store, productID, 10, 2)

	in.Quantity = 3
	if _, err := engine.Reserve(ctx, in); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestReservationEngine_ConcurrentReservesNeverOversell(t *testing.T) {
	t.Parallel()

	const (
		stock   = 10
		buyers  = 64
		perUnit = 1
	)
	engine, store, productID := newTestEngine(t, stock)
	ctx := context.Background()

	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int64
		insufficient atomic.Int64
		unexpected   = make(chan error, buyers)
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: perUnit})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				unexpected <- err
			}
		}()
	}
	wg.Wait()
	close(unexpected)

	for err := range unexpected {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(stock), succeeded.Load())
	assert.Equal(t, int64(buyers-stock), insufficient.Load())
	assertCounters(t, store, productID, stock, stock)
}

func TestReservationEngine_ConcurrentMixedOperationsConserveStock(t *testing.T) {
	t.Parallel()

	engine, store, productID := newTestEngine(t, 100)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		committed atomic.Int64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 2})
			if !assert.NoError(t, err) {
				return
			}
			if i%2 == 0 {
				_, err = engine.Commit(ctx, res.Reservation.ID)
				if assert.NoError(t, err) {
					committed.Add(2)
				}
				return
			}
			_, err = engine.Release(ctx, res.Reservation.ID)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assertCounters(t, store, productID, 100-int(committed.Load()), 0)
}

// conflictingRepo fails the first n stock writes with domain.ErrConflict.
type conflictingRepo struct {
	*memory.Store
	remaining atomic.Int64
	attempts  atomic.Int64
}

func (r *conflictingRepo) UpdateStock(ctx context.Context, p domain.Product) (domain.Product, error) {
	r.attempts.Add(1)
	if r.remaining.Add(-1) >= 0 {
		return domain.Product{}, domain.ErrConflict
	}
	return r.Store.UpdateStock(ctx, p)
}

type countingMetrics struct {
	mu        sync.Mutex
	conflicts int
	ops       map[string]int
}

func (m *countingMetrics) ObserveOperation(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ops == nil {
		m.ops = make(map[string]int)
	}
	m.ops[op]++
}

func (m *countingMetrics) ObserveConflict(string) {
	m.mu.Lock()
	m.conflicts++
	m.mu.Unlock()
}

func (m *countingMetrics) ObserveReconcileLine(domain.OrderEventType, string) {}

func TestReservationEngine_ConflictRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		conflicts     int64
		wantErr       error
		wantAttempts  int64
		wantConflicts int
		wantReserved  int
	}{
		{name: "recovers within budget", conflicts: 2, wantAttempts: 3, wantConflicts: 2, wantReserved: 1},
		{name: "exhausts budget", conflicts: 100, wantErr: domain.ErrContention, wantAttempts: 4, wantConflicts: 4},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := memory.New()
			_, err := store.CreateProduct(context.Background(), domain.Product{ID: "prod-1", SKU: "SKU-1", Name: "Widget", Status: domain.ProductStatusActive, Stock: 5})
			require.NoError(t, err)

			repo := &conflictingRepo{Store: store}
			repo.remaining.Store(tt.conflicts)
			metrics := &countingMetrics{}
			engine := NewReservationEngine(repo, clock.NewManual(testNow),
				WithConflictRetries(3, time.Microsecond, time.Millisecond),
				WithMetrics(metrics),
			)

			_, err = engine.Reserve(context.Background(), ReserveInput{ProductID: "prod-1", Quantity: 1})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, domain.IsRetryable(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantAttempts, repo.attempts.Load())
			assert.Equal(t, tt.wantConflicts, metrics.conflicts)
			assert.Equal(t, 1, metrics.ops["reserve"])

			p, err := store.GetProduct(context.Background(), "prod-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantReserved, p.ReservedStock)
		})
	}
}

func TestReservationEngine_BareQuantity(t *testing.T) {
	t.Parallel()

	engine, store, productID := newTestEngine(t, 10)
	ctx := context.Background()

	r1, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 3})
	require.NoError(t, err)
	r2, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 4})
	require.NoError(t, err)

	p, err := engine.CommitQuantity(ctx, productID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
	assert.Equal(t, 2, p.ReservedStock)

	got1, err := engine.GetReservation(ctx, r1.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCommitted, got1.State)

	got2, err := engine.GetReservation(ctx, r2.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationActive, got2.State)
	assert.Equal(t, 2, got2.Quantity)
	assertCounters(t, store, productID, 5, 2)

	_, err = engine.ReleaseQuantity(ctx, productID, 3)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assertCounters(t, store, productID, 5, 2)

	p, err = engine.ReleaseQuantity(ctx, productID, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Available())
	assertCounters(t, store, productID, 5, 0)

	_, err = engine.CommitQuantity(ctx, productID, 0)
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestReservationEngine_OrderLineSettlement(t *testing.T) {
	t.Parallel()

	engine, store, productID := newTestEngine(t, 10)
	ctx := context.Background()

	for _, q := range []int{2, 3} {
		_, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: q, OrderID: "order-1"})
		require.NoError(t, err)
	}
	_, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 1, OrderID: "order-2"})
	require.NoError(t, err)

	settled, err := engine.CommitOrderLine(ctx, "order-1", productID)
	require.NoError(t, err)
	assert.Equal(t, 2, settled.Settled)
	assert.Equal(t, 5, settled.Quantity)
	assertCounters(t, store, productID, 5, 1)

	again, err := engine.CommitOrderLine(ctx, "order-1", productID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Settled)
	assertCounters(t, store, productID, 5, 1)

	_, err = engine.ReleaseOrderLine(ctx, "order-1", productID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = engine.ReleaseOrderLine(ctx, "order-3", productID)
	require.ErrorIs(t, err, domain.ErrReservationNotFound)

	_, err = engine.ReleaseOrderLine(ctx, "order-2", productID)
	require.NoError(t, err)
	assertCounters(t, store, productID, 5, 0)
}

func TestReservationEngine_ExpireReservations(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(testNow)
	store := memory.New(memory.WithClock(clk))
	_, err := store.CreateProduct(context.Background(), domain.Product{ID: "prod-1", SKU: "SKU-1", Name: "Widget", Status: domain.ProductStatusActive, Stock: 10})
	require.NoError(t, err)
	engine := NewReservationEngine(store, clk, WithReservationTTL(15*time.Minute))
	ctx := context.Background()

	old, err := engine.Reserve(ctx, ReserveInput{ProductID: "prod-1", Quantity: 3})
	require.NoError(t, err)
	require.NotNil(t, old.Reservation.ExpiresAt)
	assert.True(t, old.Reservation.ExpiresAt.Equal(testNow.Add(15*time.Minute)))

	clk.Advance(10 * time.Minute)
	fresh, err := engine.Reserve(ctx, ReserveInput{ProductID: "prod-1", Quantity: 2})
	require.NoError(t, err)
	committed, err := engine.Reserve(ctx, ReserveInput{ProductID: "prod-1", Quantity: 1})
	require.NoError(t, err)
	_, err = engine.Commit(ctx, committed.Reservation.ID)
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	released, err := engine.ExpireReservations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := engine.GetReservation(ctx, old.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReleased, got.State)

	got, err = engine.GetReservation(ctx, fresh.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationActive, got.State)
	assertCounters(t, store, "prod-1", 9, 2)

	released, err = engine.ExpireReservations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestReservationEngine_CancelledContextHasNoEffect(t *testing.T) {
	t.Parallel()

	engine, store, productID := newTestEngine(t, 10)
	held, err := engine.Reserve(context.Background(), ReserveInput{ProductID: productID, Quantity: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 50; i++ {
		_, err := engine.Reserve(ctx, ReserveInput{ProductID: productID, Quantity: 1})
		require.ErrorIs(t, err, context.Canceled)
		_, err = engine.Commit(ctx, held.Reservation.ID)
		require.ErrorIs(t, err, context.Canceled)
		_, err = engine.Release(ctx, held.Reservation.ID)
		require.ErrorIs(t, err, context.Canceled)
		_, err = engine.AdjustStock(ctx, AdjustStockInput{ProductID: productID, Delta: 5})
		require.ErrorIs(t, err, context.Canceled)
	}

	assertCounters(t, store, productID, 10, 2)
}
