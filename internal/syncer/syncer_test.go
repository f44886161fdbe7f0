package syncer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/veldra/storekit/internal/cart"
	"github.com/veldra/storekit/internal/schema"
	"github.com/veldra/storekit/internal/storage"
	"github.com/veldra/storekit/internal/syncbus"
)

func fastConfig() Config {
	return Config{Debounce: 5 * time.Millisecond, Guard: 50 * time.Millisecond}
}

func newContext(t *testing.T, bus syncbus.Bus, durable *storage.MemoryStore, cfg Config, opts ...Option) (*cart.Store, *Syncer) {
	t.Helper()
	store, err := cart.NewStore(context.Background(), cart.NewPersister(durable))
	require.NoError(t, err)
	var watched storage.Store
	if durable != nil {
		watched = durable
	}
	s := New(store, bus, watched, cfg, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return store, s
}

func beans() cart.Product {
	return cart.Product{
		ID:    "p1",
		Name:  "Arabica Beans",
		Price: decimal.RequireFromString("12.50"),
	}
}

func TestTwoContextsConvergeOverBus(t *testing.T) {
	bus := syncbus.NewMemoryBus(16)
	defer bus.Close()

	storeA := storage.NewMemoryStore(0)
	t.Cleanup(storeA.Close)
	storeB := storage.NewMemoryStore(0)
	t.Cleanup(storeB.Close)

	cartA, _ := newContext(t, bus, storeA, fastConfig())
	cartB, _ := newContext(t, bus, storeB, fastConfig())

	require.NoError(t, cartA.AddItem(context.Background(), beans(), 3))

	require.Eventually(t, func() bool {
		snap := cartB.Snapshot()
		return snap.TotalItems == 3 && len(snap.Items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// totals arrive intact, not recomputed from divergent data
	a, b := cartA.Snapshot(), cartB.Snapshot()
	require.True(t, a.TotalAmount.Equal(b.TotalAmount))
	require.Equal(t, a.SessionID, b.SessionID)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	bus := syncbus.NewMemoryBus(16)
	defer bus.Close()
	ctx := context.Background()

	durable := storage.NewMemoryStore(0)
	t.Cleanup(durable.Close)
	cartA, syncerA := newContext(t, bus, durable, Config{Debounce: 80 * time.Millisecond, Guard: time.Millisecond})

	observed, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, cartA.AddItem(ctx, beans(), 1))
	}

	var updates int
	deadline := time.After(500 * time.Millisecond)
	for done := false; !done; {
		select {
		case msg := <-observed:
			if msg.Type == schema.SyncCartUpdated && msg.OriginID == syncerA.OriginID() {
				updates++
			}
		case <-deadline:
			done = true
		}
	}
	require.Equal(t, 1, updates)
}

func TestSyncRequestPrimesLateJoiner(t *testing.T) {
	bus := syncbus.NewMemoryBus(16)
	defer bus.Close()

	storeA := storage.NewMemoryStore(0)
	t.Cleanup(storeA.Close)
	cartA, _ := newContext(t, bus, storeA, fastConfig())
	require.NoError(t, cartA.AddItem(context.Background(), beans(), 2))

	// wait out the debounce so the join below relies on SYNC_REQUEST alone
	time.Sleep(50 * time.Millisecond)

	storeB := storage.NewMemoryStore(0)
	t.Cleanup(storeB.Close)
	cartB, _ := newContext(t, bus, storeB, fastConfig())

	require.Eventually(t, func() bool {
		return cartB.Snapshot().TotalItems == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateRemoteDeliveryAppliesOnce(t *testing.T) {
	bus := syncbus.NewMemoryBus(16)
	defer bus.Close()
	ctx := context.Background()

	durable := storage.NewMemoryStore(0)
	t.Cleanup(durable.Close)

	var changes atomic.Int32
	cartB, _ := newContext(t, bus, durable, fastConfig(),
		OnChange(func(cart.Snapshot) { changes.Add(1) }))

	record := schema.CartRecord{
		Items: []schema.CartItem{{
			ProductID: "p9",
			Name:      "Remote Item",
			UnitPrice: decimal.New(1, 0),
			Quantity:  2,
			AddedAt:   time.Now().UnixMilli(),
		}},
		SessionID:     "remote-session",
		LastUpdated:   time.Now().UnixMilli(),
		SchemaVersion: schema.CartSchemaVersion,
	}
	msg, err := schema.NewCartMessage(schema.SyncCartUpdated, record, "ctx-remote")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, msg))
	require.NoError(t, bus.Publish(ctx, msg))

	require.Eventually(t, func() bool {
		return cartB.Snapshot().TotalItems == 2
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), changes.Load())
}

func TestRemoteApplyGuardSuppressesEcho(t *testing.T) {
	bus := syncbus.NewMemoryBus(16)
	defer bus.Close()
	ctx := context.Background()

	durable := storage.NewMemoryStore(0)
	t.Cleanup(durable.Close)
	cartB, syncerB := newContext(t, bus, durable, Config{Debounce: 5 * time.Millisecond, Guard: time.Second})

	record := schema.CartRecord{
		Items: []schema.CartItem{{
			ProductID: "p9",
			Name:      "Remote Item",
			UnitPrice: decimal.New(1, 0),
			Quantity:  1,
			AddedAt:   time.Now().UnixMilli(),
		}},
		SessionID:     "remote-session",
		LastUpdated:   time.Now().UnixMilli(),
		SchemaVersion: schema.CartSchemaVersion,
	}
	msg, err := schema.NewCartMessage(schema.SyncCartUpdated, record, "ctx-remote")
	require.NoError(t, err)

	observed, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, msg))

	require.Eventually(t, func() bool {
		return cartB.Snapshot().TotalItems == 1
	}, time.Second, 10*time.Millisecond)

	// a local mutation racing the remote apply stays quiet
	require.NoError(t, cartB.AddItem(ctx, beans(), 1))

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case msg := <-observed:
			require.NotEqual(t, syncerB.OriginID(), msg.OriginID,
				"guard window should suppress the echo broadcast")
		case <-deadline:
			return
		}
	}
}

func TestDurableWatchReconcilesWithoutBus(t *testing.T) {
	shared := storage.NewMemoryStore(0)
	t.Cleanup(shared.Close)

	// isolated buses: only the storage watch can carry the update
	cartA, _ := newContext(t, syncbus.NewMemoryBus(16), shared, fastConfig())
	cartB, _ := newContext(t, syncbus.NewMemoryBus(16), shared, fastConfig())

	require.NoError(t, cartA.AddItem(context.Background(), beans(), 4))

	require.Eventually(t, func() bool {
		return cartB.Snapshot().TotalItems == 4
	}, 2*time.Second, 10*time.Millisecond)
}
