package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/cache"
	"github.com/veldra/storekit/internal/storage"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	replies []fetchReply
	calls   int
}

type fetchReply struct {
	body []byte
	err  error
}

func (f *scriptedFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		return nil, errs.New("fetch", errs.CodeNetwork, errs.WithMessage("no scripted reply"))
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply.body, reply.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const catalogPayload = `{"items":[
	{"externalId":"p1","name":"Arabica Beans","price":12.5,"availableQuantity":8,"category":"coffee","brand":"Roastery","unit":"kg"},
	{"externalId":"p2","name":"Filter Papers","price":3.2,"availableQuantity":40,"category":"equipment","brand":"Paperco","unit":"box"}
]}`

type clockSource struct {
	mu  sync.Mutex
	now time.Time
}

func newClockSource() *clockSource {
	return &clockSource{now: time.Unix(1700000000, 0).UTC()}
}

func (c *clockSource) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clockSource) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, fetcher Fetcher, clock *clockSource) *Client {
	t.Helper()
	store := storage.NewMemoryStore(0)
	t.Cleanup(store.Close)
	productCache := cache.New(cache.Config{
		TTL:      5 * time.Minute,
		GraceTTL: 30 * time.Minute,
	}, store, cache.WithClock(clock.Now))
	t.Cleanup(productCache.Close)
	return NewClient(fetcher, productCache, "/api/catalog/products", 5*time.Minute, WithClock(clock.Now))
}

func TestProductsFetchesOnMissAndCachesAfter(t *testing.T) {
	fetcher := &scriptedFetcher{replies: []fetchReply{{body: []byte(catalogPayload)}}}
	clock := newClockSource()
	client := newTestClient(t, fetcher, clock)
	ctx := context.Background()

	view, err := client.Products(ctx)
	require.NoError(t, err)
	require.False(t, view.Stale)
	require.Len(t, view.Products, 2)

	p1, ok := view.Product("p1")
	require.True(t, ok)
	require.Equal(t, "Arabica Beans", p1.Name)
	require.True(t, p1.Active)
	require.Equal(t, 8, p1.AvailableQuantity)

	// second read is served from cache
	view, err = client.Products(ctx)
	require.NoError(t, err)
	require.False(t, view.Stale)
	require.Equal(t, 1, fetcher.callCount())
}

func TestRefreshFallsBackDegradedToStaleData(t *testing.T) {
	fetcher := &scriptedFetcher{replies: []fetchReply{
		{body: []byte(catalogPayload)},
		{err: errs.New("fetch", errs.CodeServer, errs.WithHTTP(503))},
	}}
	clock := newClockSource()
	client := newTestClient(t, fetcher, clock)
	ctx := context.Background()

	_, err := client.Products(ctx)
	require.NoError(t, err)

	// entry expires past TTL; the forced refresh fails upstream
	clock.Advance(6 * time.Minute)
	view, err := client.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, view.Degraded)
	require.True(t, view.Stale)
	require.Error(t, view.Warning)
	require.True(t, errs.HasCode(view.Warning, errs.CodeServer))
	require.Len(t, view.Products, 2)
}

func TestRefreshWithoutFallbackPropagatesFailure(t *testing.T) {
	fetcher := &scriptedFetcher{replies: []fetchReply{
		{err: errs.New("fetch", errs.CodeNetwork)},
	}}
	clock := newClockSource()
	client := newTestClient(t, fetcher, clock)

	_, err := client.Refresh(context.Background())
	require.True(t, errs.HasCode(err, errs.CodeNetwork))
}

func TestProductsMissWithFailingFetchPropagates(t *testing.T) {
	fetcher := &scriptedFetcher{replies: []fetchReply{
		{err: errs.New("fetch", errs.CodeServer, errs.WithHTTP(500))},
	}}
	clock := newClockSource()
	client := newTestClient(t, fetcher, clock)

	_, err := client.Products(context.Background())
	require.True(t, errs.HasCode(err, errs.CodeServer))
}
