// Package cart holds the authoritative in-memory cart and its durable
// persistence adapter.
package cart

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
)

// Product is the catalog-shaped input to AddItem. A zero Stock with
// StockKnown unset means the ceiling is unknown until checkout validation.
type Product struct {
	ID         string
	Name       string
	Image      string
	Brand      string
	Category   string
	Price      decimal.Decimal
	Stock      int
	StockKnown bool
}

// Snapshot is a deep copy of the cart state. Totals are always the exact
// aggregate of the items; they are never independently mutated.
type Snapshot struct {
	Items       []schema.CartItem
	SessionID   string
	TotalItems  int
	TotalAmount decimal.Decimal
	LastUpdated time.Time
}

// Emitter receives the durable record after every local mutation, for
// cross-context propagation. Implementations must not block.
type Emitter func(msgType schema.SyncType, record schema.CartRecord)

// Store is the authoritative cart for one execution context. Mutations are
// serialized; the durable write and outbound broadcast happen after the
// in-memory state is already consistent, so readers never observe a
// half-applied mutation.
type Store struct {
	mu          sync.Mutex
	items       []schema.CartItem
	sessionID   string
	totalItems  int
	totalAmount decimal.Decimal
	lastUpdated time.Time

	persister *Persister
	clock     func() time.Time
	emit      Emitter
}

// Option customises store construction.
type Option func(*Store)

// WithClock injects the time source used for mutation timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore hydrates a cart from durable storage, or mints a fresh session
// when no usable record exists.
func NewStore(ctx context.Context, persister *Persister, opts ...Option) (*Store, error) {
	s := new(Store)
	s.persister = persister
	s.clock = time.Now
	s.totalAmount = decimal.Zero
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	record, ok, err := persister.Load(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		s.items = record.Items
		s.sessionID = record.SessionID
		s.lastUpdated = schema.FromMillis(record.LastUpdated)
		s.recomputeTotalsLocked()
	} else {
		s.sessionID = uuid.NewString()
	}
	return s, nil
}

// SetEmitter wires the outbound sync hook. Must be called before the first
// mutation that should propagate.
func (s *Store) SetEmitter(emit Emitter) {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()
}

// AddItem inserts the product or accumulates quantity onto an existing
// line. When the product declares a stock ceiling the quantity is clamped
// to it and a stock error is returned alongside the applied mutation.
func (s *Store) AddItem(ctx context.Context, product Product, qty int) error {
	if qty <= 0 {
		return errs.New("cart/add", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if strings.TrimSpace(product.ID) == "" {
		return errs.New("cart/add", errs.CodeInvalid, errs.WithMessage("product id required"))
	}

	s.mu.Lock()
	now := s.clock()
	var stockErr error
	idx := s.indexOfLocked(product.ID)
	if idx >= 0 {
		requested := s.items[idx].Quantity + qty
		applied := requested
		if product.StockKnown && requested > product.Stock {
			applied = product.Stock
			stockErr = stockExceeded(product, requested)
		}
		if applied > 0 {
			s.items[idx].Quantity = applied
		} else {
			// stock dropped to zero underneath the line; a quantity-0 item
			// does not exist, so remove it
			s.items = append(s.items[:idx], s.items[idx+1:]...)
		}
	} else {
		requested := qty
		applied := requested
		if product.StockKnown && requested > product.Stock {
			applied = product.Stock
			stockErr = stockExceeded(product, requested)
		}
		if applied <= 0 {
			// nothing entered the cart; leave state and timestamp untouched
			s.mu.Unlock()
			return stockErr
		}
		s.items = append(s.items, schema.CartItem{
			ProductID: product.ID,
			Name:      product.Name,
			Image:     product.Image,
			Brand:     product.Brand,
			Category:  product.Category,
			UnitPrice: product.Price,
			Quantity:  applied,
			AddedAt:   schema.UnixMillis(now),
		})
	}
	s.commitLocked(ctx, now, schema.SyncCartUpdated)
	return stockErr
}

// RemoveItem removes the line by product id. Absent ids are a no-op.
func (s *Store) RemoveItem(ctx context.Context, productID string) {
	s.mu.Lock()
	idx := s.indexOfLocked(productID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.commitLocked(ctx, s.clock(), schema.SyncCartUpdated)
}

// UpdateQuantity sets the line quantity. A quantity of zero or less removes
// the item entirely; this is deliberate policy, not an error path.
func (s *Store) UpdateQuantity(ctx context.Context, productID string, qty int) {
	if qty <= 0 {
		s.RemoveItem(ctx, productID)
		return
	}
	s.mu.Lock()
	idx := s.indexOfLocked(productID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.items[idx].Quantity = qty
	s.commitLocked(ctx, s.clock(), schema.SyncCartUpdated)
}

// Clear empties the cart and rotates the session token.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.items = nil
	s.sessionID = uuid.NewString()
	s.commitLocked(ctx, s.clock(), schema.SyncCartCleared)
}

// Snapshot returns a deep copy of the current cart state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Items:       cloneItems(s.items),
		SessionID:   s.sessionID,
		TotalItems:  s.totalItems,
		TotalAmount: s.totalAmount,
		LastUpdated: s.lastUpdated,
	}
}

// Record returns the durable form of the current state.
func (s *Store) Record() schema.CartRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

// ApplyRemote reconciles an incoming record using last-write-wins: records
// at or before the local timestamp are discarded as stale. Applying the
// same record twice is a no-op. Applied state is persisted locally but
// never re-broadcast; the identical timestamp makes any echo a no-op.
// Reports whether the record was applied.
func (s *Store) ApplyRemote(ctx context.Context, record schema.CartRecord) bool {
	incoming := schema.FromMillis(record.LastUpdated)
	s.mu.Lock()
	if !incoming.After(s.lastUpdated) {
		s.mu.Unlock()
		return false
	}
	s.items = cloneItems(record.Items)
	if strings.TrimSpace(record.SessionID) != "" {
		s.sessionID = record.SessionID
	}
	s.lastUpdated = incoming
	s.recomputeTotalsLocked()
	applied := s.recordLocked()
	s.mu.Unlock()

	if err := s.persister.Save(ctx, applied); err != nil {
		observability.Log().Error("persisting remote cart state failed", observability.F("error", err))
	}
	return true
}

// commitLocked recomputes totals, stamps the mutation, then releases the
// lock before the durable write and broadcast so neither can block readers.
func (s *Store) commitLocked(ctx context.Context, now time.Time, msgType schema.SyncType) {
	s.lastUpdated = now
	s.recomputeTotalsLocked()
	record := s.recordLocked()
	emit := s.emit
	s.mu.Unlock()

	if err := s.persister.Save(ctx, record); err != nil {
		// State stays valid in memory for the session; never interrupt the
		// caller over a storage failure.
		observability.Log().Error("cart durable write failed", observability.F("error", err))
	}
	if emit != nil {
		emit(msgType, record)
	}
}

func (s *Store) recordLocked() schema.CartRecord {
	return schema.CartRecord{
		Items:         cloneItems(s.items),
		SessionID:     s.sessionID,
		TotalItems:    s.totalItems,
		TotalAmount:   s.totalAmount,
		LastUpdated:   schema.UnixMillis(s.lastUpdated),
		SchemaVersion: schema.CartSchemaVersion,
	}
}

func (s *Store) recomputeTotalsLocked() {
	total := 0
	amount := decimal.Zero
	for _, item := range s.items {
		total += item.Quantity
		amount = amount.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	s.totalItems = total
	s.totalAmount = amount
}

func (s *Store) indexOfLocked(productID string) int {
	for i := range s.items {
		if s.items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func stockExceeded(product Product, requested int) error {
	return errs.New("cart/add", errs.CodeStock,
		errs.WithMessage("requested quantity exceeds availability"),
		errs.WithDetail("product_id", product.ID),
		errs.WithDetail("available", decimal.NewFromInt(int64(product.Stock)).String()),
		errs.WithDetail("requested", decimal.NewFromInt(int64(requested)).String()))
}

func cloneItems(items []schema.CartItem) []schema.CartItem {
	if items == nil {
		return nil
	}
	out := make([]schema.CartItem, len(items))
	copy(out, items)
	return out
}
