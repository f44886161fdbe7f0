package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/schema"
	"github.com/veldra/storekit/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, clock *fakeClock) (*Cache, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(0)
	t.Cleanup(store.Close)
	c := New(Config{
		TTL:            5 * time.Minute,
		GraceTTL:       30 * time.Minute,
		MemoryCapacity: 4,
	}, store, WithClock(clock.Now))
	t.Cleanup(c.Close)
	return c, store
}

func TestCacheFreshThenStaleThenGone(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()

	payload := []byte(`[{"externalId":"p1"},{"externalId":"p2"}]`)
	require.NoError(t, c.Set(ctx, "products", "all", payload, 5*time.Minute))

	lookup, err := c.Get(ctx, "products", "all")
	require.NoError(t, err)
	require.False(t, lookup.Stale)
	require.JSONEq(t, string(payload), string(lookup.Data))

	// past TTL, inside grace: stale hit
	clock.Advance(6 * time.Minute)
	lookup, err = c.Get(ctx, "products", "all")
	require.NoError(t, err)
	require.True(t, lookup.Stale)
	require.JSONEq(t, string(payload), string(lookup.Data))

	// past grace: purged entirely
	clock.Advance(31 * time.Minute)
	_, err = c.Get(ctx, "products", "all")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestCachePromotesDurableHits(t *testing.T) {
	clock := newFakeClock()
	c, store := newTestCache(t, clock)
	ctx := context.Background()

	record := schema.CacheRecord{
		Data:      []byte(`{"v":1}`),
		Timestamp: schema.UnixMillis(clock.Now()),
		TTL:       (10 * time.Minute).Milliseconds(),
		Version:   schema.CacheSchemaVersion,
	}
	encoded, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, schema.CacheKey("products", "p1"), encoded))

	lookup, err := c.Get(ctx, "products", "p1")
	require.NoError(t, err)
	require.False(t, lookup.Stale)

	// drop the durable copy; the promoted memory entry still serves
	require.NoError(t, store.Delete(ctx, schema.CacheKey("products", "p1")))
	lookup, err = c.Get(ctx, "products", "p1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(lookup.Data))
}

func TestCacheVersionMismatchInvalidatesSingleEntry(t *testing.T) {
	clock := newFakeClock()
	c, store := newTestCache(t, clock)
	ctx := context.Background()

	stale := schema.CacheRecord{
		Data:      []byte(`{"v":1}`),
		Timestamp: schema.UnixMillis(clock.Now()),
		TTL:       (10 * time.Minute).Milliseconds(),
		Version:   "0.9",
	}
	encoded, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, schema.CacheKey("products", "old"), encoded))
	require.NoError(t, c.Set(ctx, "products", "good", []byte(`{"v":2}`), time.Minute))

	_, err = c.Get(ctx, "products", "old")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))

	// the mismatched record was removed from the durable tier
	_, err = store.Get(ctx, schema.CacheKey("products", "old"))
	require.True(t, errs.HasCode(err, errs.CodeNotFound))

	// unaffected entries keep serving
	lookup, err := c.Get(ctx, "products", "good")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(lookup.Data))
}

func TestCacheEvictsOldestQuarterAtCapacity(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("p%d", i)
		require.NoError(t, c.Set(ctx, "products", key, []byte(`{}`), time.Hour))
		clock.Advance(time.Second)
	}

	require.NoError(t, c.Set(ctx, "products", "p4", []byte(`{}`), time.Hour))

	c.mu.Lock()
	_, oldestPresent := c.memory[schema.CacheKey("products", "p0")]
	_, newestPresent := c.memory[schema.CacheKey("products", "p4")]
	size := len(c.memory)
	c.mu.Unlock()
	require.False(t, oldestPresent)
	require.True(t, newestPresent)
	require.Equal(t, 4, size)
}

func TestGetOrFetchStaleServesImmediatelyAndRevalidates(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "products", "all", []byte(`{"v":1}`), time.Minute))
	clock.Advance(2 * time.Minute)

	refreshed := make(chan struct{})
	lookup, err := c.GetOrFetch(ctx, "products", "all", time.Minute, func(context.Context) ([]byte, error) {
		defer close(refreshed)
		return []byte(`{"v":2}`), nil
	})
	require.NoError(t, err)
	require.True(t, lookup.Stale)
	require.JSONEq(t, `{"v":1}`, string(lookup.Data))

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("background revalidation did not run")
	}

	require.Eventually(t, func() bool {
		lookup, err := c.Get(ctx, "products", "all")
		return err == nil && !lookup.Stale && string(lookup.Data) == `{"v":2}`
	}, time.Second, 10*time.Millisecond)
}

func TestGetOrFetchMissFetchesSynchronously(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, clock)
	ctx := context.Background()

	lookup, err := c.GetOrFetch(ctx, "products", "all", time.Minute, func(context.Context) ([]byte, error) {
		return []byte(`{"v":1}`), nil
	})
	require.NoError(t, err)
	require.False(t, lookup.Stale)

	// fetch failures on a true miss propagate
	_, err = c.GetOrFetch(ctx, "products", "other", time.Minute, func(context.Context) ([]byte, error) {
		return nil, errs.New("fetch", errs.CodeServer, errs.WithHTTP(503))
	})
	require.True(t, errs.HasCode(err, errs.CodeServer))
}
