package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/domain"
)

// Store keeps products, reservations and adjustments in process memory.
// Writes made inside WithTx become visible together when fn returns nil.
type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	reservations map[string]reservationRecord
	adjustments  []domain.StockAdjustment
	seq          uint64

	locks *keyLocks
	clock clock.Clock
}

type reservationRecord struct {
	r   domain.Reservation
	seq uint64
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		products:     make(map[string]domain.Product),
		reservations: make(map[string]reservationRecord),
		locks:        newKeyLocks(),
		clock:        clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type txKey struct{}

type stagedProduct struct {
	p           domain.Product
	baseVersion int64
}

type tx struct {
	products     map[string]stagedProduct
	reservations map[string]reservationRecord
	// created holds reservation ids inserted by this transaction.
	created     map[string]struct{}
	baseStates  map[string]domain.ReservationState
	adjustments []domain.StockAdjustment
	held        []string
}

func txFromContext(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	t := &tx{
		products:     make(map[string]stagedProduct),
		reservations: make(map[string]reservationRecord),
		created:      make(map[string]struct{}),
		baseStates:   make(map[string]domain.ReservationState),
	}
	defer func() {
		for _, key := range t.held {
			s.locks.release(key)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sp := range t.products {
		current, ok := s.products[id]
		if !ok {
			return domain.ErrProductNotFound
		}
		if current.Version != sp.baseVersion {
			return fmt.Errorf("%w: product %s", domain.ErrConflict, id)
		}
	}
	for id, from := range t.baseStates {
		if rec, ok := s.reservations[id]; ok && rec.r.State != from {
			return fmt.Errorf("%w: reservation %s", domain.ErrConflict, id)
		}
	}

	for id, sp := range t.products {
		s.products[id] = withCounters(s.products[id], sp.p)
	}
	for id, rec := range t.reservations {
		s.reservations[id] = rec
	}
	s.adjustments = append(s.adjustments, t.adjustments...)
	return nil
}

func (s *Store) productView(t *tx, id string) (domain.Product, bool) {
	if t != nil {
		if sp, ok := t.products[id]; ok {
			return sp.p, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	return p, ok
}

func (s *Store) reservationView(t *tx, id string) (reservationRecord, bool) {
	if t != nil {
		if rec, ok := t.reservations[id]; ok {
			return rec, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.reservations[id]
	return rec, ok
}

// reservationsView merges committed reservations with the ones staged in t.
func (s *Store) reservationsView(t *tx, match func(domain.Reservation) bool) []reservationRecord {
	s.mu.RLock()
	out := make([]reservationRecord, 0)
	seen := make(map[string]struct{})
	for id, rec := range s.reservations {
		if t != nil {
			if staged, ok := t.reservations[id]; ok {
				rec = staged
			}
		}
		seen[id] = struct{}{}
		if match(rec.r) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	if t != nil {
		for id, rec := range t.reservations {
			if _, ok := seen[id]; ok {
				continue
			}
			if match(rec.r) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, ok := s.productView(txFromContext(ctx), id)
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

// GetProductForUpdate holds the product's lock until the surrounding transaction ends.
func (s *Store) GetProductForUpdate(ctx context.Context, id string) (domain.Product, error) {
	t := txFromContext(ctx)
	if t == nil {
		return domain.Product{}, fmt.Errorf("get product for update: no transaction")
	}
	if !t.holds(id) {
		if err := s.locks.acquire(ctx, id); err != nil {
			return domain.Product{}, err
		}
		t.held = append(t.held, id)
	}
	return s.GetProduct(ctx, id)
}

func (t *tx) holds(key string) bool {
	for _, k := range t.held {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Store) UpdateStock(ctx context.Context, p domain.Product) (domain.Product, error) {
	if err := p.CheckInvariant(); err != nil {
		return domain.Product{}, err
	}
	t := txFromContext(ctx)
	current, ok := s.productView(t, p.ID)
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if current.Version != p.Version {
		return domain.Product{}, fmt.Errorf("%w: product %s at version %d, expected %d",
			domain.ErrConflict, p.ID, current.Version, p.Version)
	}

	next := current
	next.Stock = p.Stock
	next.ReservedStock = p.ReservedStock
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock.Now()

	if t == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.products[p.ID]
		if !ok {
			return domain.Product{}, domain.ErrProductNotFound
		}
		if stored.Version != current.Version {
			return domain.Product{}, fmt.Errorf("%w: product %s", domain.ErrConflict, p.ID)
		}
		next = withCounters(stored, next)
		s.products[p.ID] = next
		return next, nil
	}

	base := current.Version
	if sp, ok := t.products[p.ID]; ok {
		base = sp.baseVersion
	}
	t.products[p.ID] = stagedProduct{p: next, baseVersion: base}
	return next, nil
}

// withCounters copies the stock counters of src onto dst. Catalog fields edited
// outside the transaction are kept.
func withCounters(dst, src domain.Product) domain.Product {
	dst.Stock = src.Stock
	dst.ReservedStock = src.ReservedStock
	dst.Version = src.Version
	dst.UpdatedAt = src.UpdatedAt
	return dst
}

func (s *Store) RecordAdjustment(ctx context.Context, adj domain.StockAdjustment) error {
	if t := txFromContext(ctx); t != nil {
		t.adjustments = append(t.adjustments, adj)
		return nil
	}
	s.mu.Lock()
	s.adjustments = append(s.adjustments, adj)
	s.mu.Unlock()
	return nil
}

// ListAdjustments returns the audit trail of a product, oldest first.
func (s *Store) ListAdjustments(ctx context.Context, productID string) ([]domain.StockAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockAdjustment, 0)
	for _, a := range s.adjustments {
		if a.ProductID == productID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Store) CreateReservation(ctx context.Context, r domain.Reservation) error {
	t := txFromContext(ctx)
	if _, ok := s.productView(t, r.ProductID); !ok {
		return domain.ErrProductNotFound
	}
	if r.IdempotencyKey != "" {
		if existing, _ := s.FindReservationByIdempotencyKey(ctx, r.ProductID, r.IdempotencyKey); existing != nil {
			return domain.ErrIdempotencyConflict
		}
	}
	rec := reservationRecord{r: r, seq: s.nextSeq()}
	if t == nil {
		s.mu.Lock()
		s.reservations[r.ID] = rec
		s.mu.Unlock()
		return nil
	}
	t.reservations[r.ID] = rec
	t.created[r.ID] = struct{}{}
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	rec, ok := s.reservationView(txFromContext(ctx), id)
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return rec.r, nil
}

func (s *Store) FindReservationByIdempotencyKey(ctx context.Context, productID, key string) (*domain.Reservation, error) {
	found := s.reservationsView(txFromContext(ctx), func(r domain.Reservation) bool {
		return r.ProductID == productID && r.IdempotencyKey == key
	})
	if len(found) == 0 {
		return nil, nil
	}
	r := found[0].r
	return &r, nil
}

func (s *Store) UpdateReservation(ctx context.Context, r domain.Reservation, from domain.ReservationState) error {
	t := txFromContext(ctx)
	current, ok := s.reservationView(t, r.ID)
	if !ok {
		return domain.ErrReservationNotFound
	}
	if current.r.State != from {
		return fmt.Errorf("%w: reservation %s is %s, expected %s", domain.ErrConflict, r.ID, current.r.State, from)
	}
	next := current
	next.r.State = r.State
	next.r.Quantity = r.Quantity
	next.r.UpdatedAt = r.UpdatedAt

	if t == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reservations[r.ID] = next
		return nil
	}
	if _, created := t.created[r.ID]; !created {
		if _, tracked := t.baseStates[r.ID]; !tracked {
			t.baseStates[r.ID] = from
		}
	}
	t.reservations[r.ID] = next
	return nil
}

func (s *Store) ListOrderLineReservations(ctx context.Context, orderID, productID string) ([]domain.Reservation, error) {
	return unwrap(s.reservationsView(txFromContext(ctx), func(r domain.Reservation) bool {
		return r.OrderID == orderID && r.ProductID == productID
	})), nil
}

func (s *Store) ListActiveReservations(ctx context.Context, productID string) ([]domain.Reservation, error) {
	return unwrap(s.reservationsView(txFromContext(ctx), func(r domain.Reservation) bool {
		return r.ProductID == productID && r.State == domain.ReservationActive
	})), nil
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	out := unwrap(s.reservationsView(txFromContext(ctx), func(r domain.Reservation) bool {
		return r.Expired(now)
	}))
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func unwrap(recs []reservationRecord) []domain.Reservation {
	out := make([]domain.Reservation, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.r)
	}
	return out
}

func (s *Store) CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[p.ID]; ok {
		return domain.Product{}, fmt.Errorf("create product: id %s already exists", p.ID)
	}
	for _, existing := range s.products {
		if strings.EqualFold(existing.SKU, p.SKU) {
			return domain.Product{}, domain.ErrDuplicateSKU
		}
	}
	now := s.clock.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	s.products[p.ID] = p
	return p, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if strings.EqualFold(p.SKU, sku) {
			return p, nil
		}
	}
	return domain.Product{}, domain.ErrProductNotFound
}

func (s *Store) matching(f domain.ProductFilter) []domain.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0)
	for _, p := range s.products {
		if f.Matches(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SKU < out[j].SKU
	})
	return out
}

func page(products []domain.Product, limit, offset int) []domain.Product {
	if offset >= len(products) {
		return []domain.Product{}
	}
	products = products[offset:]
	if limit > 0 && len(products) > limit {
		products = products[:limit]
	}
	return products
}

func (s *Store) ListProducts(ctx context.Context, f domain.ProductFilter) ([]domain.Product, error) {
	return page(s.matching(f), f.Limit, f.Offset), nil
}

func (s *Store) CountProducts(ctx context.Context, f domain.ProductFilter) (int, error) {
	return len(s.matching(f)), nil
}

func (s *Store) ListLowStock(ctx context.Context, threshold, limit int) ([]domain.Product, error) {
	low := make([]domain.Product, 0)
	for _, p := range s.matching(domain.ProductFilter{}) {
		if p.Available() <= threshold {
			low = append(low, p)
		}
	}
	sort.SliceStable(low, func(i, j int) bool { return low[i].Available() < low[j].Available() })
	return page(low, limit, 0), nil
}

// UpdateCatalog writes the catalog fields of p. Stock counters and version are kept.
func (s *Store) UpdateCatalog(ctx context.Context, p domain.Product) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[p.ID]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	for id, existing := range s.products {
		if id != p.ID && strings.EqualFold(existing.SKU, p.SKU) {
			return domain.Product{}, domain.ErrDuplicateSKU
		}
	}
	current.SKU = p.SKU
	current.Name = p.Name
	current.Category = p.Category
	current.Status = p.Status
	current.PriceCents = p.PriceCents
	current.UpdatedAt = s.clock.Now()
	s.products[p.ID] = current
	return current, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	if err := s.locks.acquire(ctx, id); err != nil {
		return err
	}
	defer s.locks.release(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return domain.ErrProductNotFound
	}
	if p.ReservedStock > 0 {
		return domain.ErrProductHasReservations
	}
	delete(s.products, id)
	for rid, rec := range s.reservations {
		if rec.r.ProductID == id {
			delete(s.reservations, rid)
		}
	}
	return nil
}
