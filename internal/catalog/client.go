// Package catalog reads the remote product catalog through the resilient
// fetcher and the two-tier cache, exposing a normalized product view.
package catalog

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/cache"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
)

// Namespace is the cache namespace holding catalog payloads.
const Namespace = "products"

// allKey caches the full normalized product list.
const allKey = "all"

// Fetcher is the remote read dependency; satisfied by fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) ([]byte, error)
}

// View is a point-in-time read of the catalog. Stale marks data served past
// its TTL; Degraded additionally marks that the most recent remote read
// failed, with the failure carried as a warning rather than an error.
type View struct {
	Products []schema.CatalogProduct
	Stale    bool
	Degraded bool
	Warning  error
}

// Product returns the product with the given external id, if present.
func (v View) Product(externalID string) (schema.CatalogProduct, bool) {
	for _, p := range v.Products {
		if p.ExternalID == externalID {
			return p, true
		}
	}
	return schema.CatalogProduct{}, false
}

// Client serves catalog reads cache-first.
type Client struct {
	fetcher  Fetcher
	cache    *cache.Cache
	endpoint string
	ttl      time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	lastFail error
}

// Option customises client construction.
type Option func(*Client)

// WithClock injects the time source used for sync timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewClient constructs a catalog client.
func NewClient(fetcher Fetcher, productCache *cache.Cache, endpoint string, ttl time.Duration, opts ...Option) *Client {
	c := &Client{
		fetcher:  fetcher,
		cache:    productCache,
		endpoint: endpoint,
		ttl:      ttl,
		clock:    time.Now,
		lastFail: nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Products returns the catalog view without ever blocking on revalidation:
// fresh cache hits return directly, stale hits return immediately while a
// background refresh runs, and only a true miss reaches the network.
func (c *Client) Products(ctx context.Context) (View, error) {
	lookup, err := c.cache.GetOrFetch(ctx, Namespace, allKey, c.ttl, c.fetchAll)
	if err != nil {
		return View{}, err
	}
	return c.buildView(lookup)
}

// Refresh forces a remote read. On failure it falls back to any cached copy
// still inside the grace window, marked degraded; with no fallback the
// failure propagates.
func (c *Client) Refresh(ctx context.Context) (View, error) {
	data, err := c.fetchAll(ctx)
	if err == nil {
		if err := c.cache.Set(ctx, Namespace, allKey, data, c.ttl); err != nil {
			observability.Log().Error("catalog cache write failed", observability.F("error", err))
		}
		return c.buildView(cache.Lookup{Data: data, Stale: false})
	}

	lookup, cacheErr := c.cache.Get(ctx, Namespace, allKey)
	if cacheErr != nil {
		return View{}, err
	}
	view, buildErr := c.buildView(lookup)
	if buildErr != nil {
		return View{}, err
	}
	view.Degraded = true
	view.Warning = err
	return view, nil
}

func (c *Client) fetchAll(ctx context.Context) ([]byte, error) {
	raw, err := c.fetcher.Fetch(ctx, c.endpoint)
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}
	products, err := schema.DecodeCatalogPayload(raw, schema.UnixMillis(c.clock()))
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}
	normalized, err := json.Marshal(products)
	if err != nil {
		return nil, errs.New("catalog", errs.CodeInvalid, errs.WithMessage("encode products"), errs.WithCause(err))
	}
	c.recordSuccess()
	return normalized, nil
}

func (c *Client) buildView(lookup cache.Lookup) (View, error) {
	var products []schema.CatalogProduct
	if err := json.Unmarshal(lookup.Data, &products); err != nil {
		return View{}, errs.New("catalog", errs.CodeSchema, errs.WithMessage("malformed cached products"), errs.WithCause(err))
	}
	view := View{Products: products, Stale: lookup.Stale, Degraded: false, Warning: nil}
	if lookup.Stale {
		if warning := c.lastFailure(); warning != nil {
			view.Degraded = true
			view.Warning = warning
		}
	}
	return view, nil
}

func (c *Client) recordFailure(err error) {
	c.mu.Lock()
	c.lastFail = err
	c.mu.Unlock()
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.lastFail = nil
	c.mu.Unlock()
}

func (c *Client) lastFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFail
}
