package cart

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/schema"
	"github.com/veldra/storekit/internal/storage"
)

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.Unix(1700000000, 0).UTC()}
}

// Now advances by a millisecond per call so successive mutations always get
// distinct timestamps.
func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func beans() Product {
	return Product{
		ID:         "p1",
		Name:       "Arabica Beans",
		Brand:      "Roastery",
		Category:   "coffee",
		Price:      decimal.RequireFromString("12.50"),
		Stock:      8,
		StockKnown: true,
	}
}

func papers() Product {
	return Product{
		ID:         "p2",
		Name:       "Filter Papers",
		Price:      decimal.RequireFromString("3.20"),
		Stock:      40,
		StockKnown: true,
	}
}

func newTestStore(t *testing.T) (*Store, *storage.MemoryStore) {
	t.Helper()
	mem := storage.NewMemoryStore(0)
	t.Cleanup(mem.Close)
	store, err := NewStore(context.Background(), NewPersister(mem), WithClock(newTickingClock().Now))
	require.NoError(t, err)
	return store, mem
}

func TestAddItemAccumulatesAndKeepsTotalsExact(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, beans(), 2))
	require.NoError(t, store.AddItem(ctx, papers(), 1))
	require.NoError(t, store.AddItem(ctx, beans(), 3))

	snap := store.Snapshot()
	require.Len(t, snap.Items, 2)
	require.Equal(t, 5, snap.Items[0].Quantity)
	require.Equal(t, 6, snap.TotalItems)
	// 5 * 12.50 + 1 * 3.20
	require.True(t, snap.TotalAmount.Equal(decimal.RequireFromString("65.70")),
		"got %s", snap.TotalAmount)
	require.NotEmpty(t, snap.SessionID)
}

func TestAddItemClampsToStockAndReportsIt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, beans(), 6))
	err := store.AddItem(ctx, beans(), 6)
	require.True(t, errs.HasCode(err, errs.CodeStock))

	// clamped to the ceiling, not rejected outright
	snap := store.Snapshot()
	require.Equal(t, 8, snap.Items[0].Quantity)
}

func TestAddItemRemovesLineWhenStockDropsToZero(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, beans(), 2))

	soldOut := beans()
	soldOut.Stock = 0
	err := store.AddItem(ctx, soldOut, 1)
	require.True(t, errs.HasCode(err, errs.CodeStock))

	snap := store.Snapshot()
	require.Empty(t, snap.Items)
	require.Equal(t, 0, snap.TotalItems)
	require.True(t, snap.TotalAmount.IsZero())
}

func TestAddItemSoldOutFreshAddLeavesCartUntouched(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, beans(), 1))
	before := store.Snapshot()

	var emitted int
	store.SetEmitter(func(schema.SyncType, schema.CartRecord) { emitted++ })

	soldOut := papers()
	soldOut.Stock = 0
	err := store.AddItem(ctx, soldOut, 2)
	require.True(t, errs.HasCode(err, errs.CodeStock))

	after := store.Snapshot()
	require.Equal(t, before.LastUpdated, after.LastUpdated)
	require.Len(t, after.Items, 1)
	require.Zero(t, emitted)
}

func TestAddItemRejectsNonPositiveQuantity(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.AddItem(context.Background(), beans(), 0)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	require.Empty(t, store.Snapshot().Items)
}

func TestRemoveAbsentItemIsNoOp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, beans(), 1))
	before := store.Snapshot()
	store.RemoveItem(ctx, "ghost")
	after := store.Snapshot()
	require.Equal(t, before.LastUpdated, after.LastUpdated)
	require.Len(t, after.Items, 1)
}

func TestUpdateQuantityZeroRemovesLine(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, beans(), 2))
	store.UpdateQuantity(ctx, "p1", 0)

	snap := store.Snapshot()
	require.Empty(t, snap.Items)
	require.Equal(t, 0, snap.TotalItems)
	require.True(t, snap.TotalAmount.IsZero())
}

func TestClearRotatesSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, beans(), 2))
	session := store.Snapshot().SessionID
	store.Clear(ctx)

	snap := store.Snapshot()
	require.Empty(t, snap.Items)
	require.NotEqual(t, session, snap.SessionID)
}

func TestCartSurvivesRehydration(t *testing.T) {
	mem := storage.NewMemoryStore(0)
	t.Cleanup(mem.Close)
	ctx := context.Background()
	persister := NewPersister(mem)

	first, err := NewStore(ctx, persister, WithClock(newTickingClock().Now))
	require.NoError(t, err)
	require.NoError(t, first.AddItem(ctx, beans(), 3))
	want := first.Snapshot()

	second, err := NewStore(ctx, persister)
	require.NoError(t, err)
	got := second.Snapshot()
	require.Equal(t, want.SessionID, got.SessionID)
	require.Equal(t, want.TotalItems, got.TotalItems)
	require.True(t, want.TotalAmount.Equal(got.TotalAmount))
	require.Len(t, got.Items, 1)
}

func TestLoadMigratesLegacyRecord(t *testing.T) {
	mem := storage.NewMemoryStore(0)
	t.Cleanup(mem.Close)
	ctx := context.Background()

	legacy := schema.CartRecord{
		Items: []schema.CartItem{{
			ProductID: "p1",
			Name:      "Arabica Beans",
			UnitPrice: decimal.RequireFromString("12.50"),
			Quantity:  2,
		}},
		SessionID:     "legacy-session",
		LastUpdated:   1699999999000,
		SchemaVersion: 1,
	}
	encoded, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, schema.CartKey, encoded))

	record, ok, err := NewPersister(mem).Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.CartSchemaVersion, record.SchemaVersion)
	require.Equal(t, legacy.LastUpdated, record.Items[0].AddedAt)
	require.Equal(t, 2, record.TotalItems)
	require.True(t, record.TotalAmount.Equal(decimal.RequireFromString("25.00")))
}

func TestLoadTreatsNewerSchemaAsAbsent(t *testing.T) {
	mem := storage.NewMemoryStore(0)
	t.Cleanup(mem.Close)
	ctx := context.Background()

	future := schema.CartRecord{SessionID: "s", SchemaVersion: schema.CartSchemaVersion + 1}
	encoded, err := json.Marshal(future)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, schema.CartKey, encoded))

	_, ok, err := NewPersister(mem).Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveEvictsCacheEntriesOnQuotaAndRetries(t *testing.T) {
	ctx := context.Background()

	// pre-encode everything so the quota can be sized to admit all cache
	// entries but reject the cart write until entries are evicted
	filler := []byte(`"` + strings.Repeat("x", 198) + `"`)
	cacheKeys := []string{"a", "b", "c", "d"}
	cacheEntries := make(map[string][]byte, len(cacheKeys))
	var cacheBytes int64
	for i, key := range cacheKeys {
		entry := schema.CacheRecord{
			Data:      filler,
			Timestamp: time.Now().Add(time.Duration(i) * time.Second).UnixMilli(),
			TTL:       time.Hour.Milliseconds(),
			Version:   schema.CacheSchemaVersion,
		}
		encoded, err := json.Marshal(entry)
		require.NoError(t, err)
		full := schema.CacheKey("products", key)
		cacheEntries[full] = encoded
		cacheBytes += int64(len(full) + len(encoded))
	}

	record := schema.CartRecord{
		Items: []schema.CartItem{{
			ProductID: "p1",
			Name:      "Arabica Beans",
			UnitPrice: decimal.RequireFromString("12.50"),
			Quantity:  2,
			AddedAt:   time.Now().UnixMilli(),
		}},
		SessionID:     "s",
		TotalItems:    2,
		TotalAmount:   decimal.RequireFromString("25.00"),
		LastUpdated:   time.Now().UnixMilli(),
		SchemaVersion: schema.CartSchemaVersion,
	}
	encodedCart, err := json.Marshal(record)
	require.NoError(t, err)
	cartBytes := int64(len(schema.CartKey) + len(encodedCart))

	mem := storage.NewMemoryStore(cacheBytes + cartBytes/2)
	t.Cleanup(mem.Close)
	for _, key := range cacheKeys {
		full := schema.CacheKey("products", key)
		require.NoError(t, mem.Put(ctx, full, cacheEntries[full]))
	}

	require.NoError(t, NewPersister(mem).Save(ctx, record))

	// cache entries were sacrificed, the cart record landed
	keys, err := mem.Keys(ctx, schema.CacheKeyPrefix)
	require.NoError(t, err)
	require.Less(t, len(keys), 4)
	_, err = mem.Get(ctx, schema.CartKey)
	require.NoError(t, err)
}

func TestApplyRemoteLastWriteWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, beans(), 2))
	local := store.Record()

	older := schema.CartRecord{
		Items:         []schema.CartItem{{ProductID: "p9", UnitPrice: decimal.New(1, 0), Quantity: 1}},
		SessionID:     "remote",
		LastUpdated:   local.LastUpdated - 1000,
		SchemaVersion: schema.CartSchemaVersion,
	}
	require.False(t, store.ApplyRemote(ctx, older))
	require.Equal(t, 2, store.Snapshot().TotalItems)

	newer := older
	newer.LastUpdated = local.LastUpdated + 1000
	require.True(t, store.ApplyRemote(ctx, newer))

	snap := store.Snapshot()
	require.Equal(t, "remote", snap.SessionID)
	require.Equal(t, 1, snap.TotalItems)
	require.True(t, snap.TotalAmount.Equal(decimal.New(1, 0)))

	// re-applying the same record is a no-op
	require.False(t, store.ApplyRemote(ctx, newer))
}

func TestMutationsEmitSyncMessages(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var types []schema.SyncType
	store.SetEmitter(func(msgType schema.SyncType, record schema.CartRecord) {
		mu.Lock()
		types = append(types, msgType)
		mu.Unlock()
	})

	require.NoError(t, store.AddItem(ctx, beans(), 1))
	store.UpdateQuantity(ctx, "p1", 3)
	store.Clear(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []schema.SyncType{
		schema.SyncCartUpdated,
		schema.SyncCartUpdated,
		schema.SyncCartCleared,
	}, types)
}
