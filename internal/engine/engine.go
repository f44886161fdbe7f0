// Package engine assembles the storefront client engine: cart, durable
// storage, cross-context sync, catalog cache, and checkout validation
// behind one handle.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/veldra/storekit/config"
	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/cache"
	"github.com/veldra/storekit/internal/cart"
	"github.com/veldra/storekit/internal/catalog"
	"github.com/veldra/storekit/internal/checkout"
	"github.com/veldra/storekit/internal/fetch"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/storage"
	"github.com/veldra/storekit/internal/storage/postgres"
	"github.com/veldra/storekit/internal/syncbus"
	"github.com/veldra/storekit/internal/syncer"
)

// Engine is one execution context of the storefront client. Multiple
// engines sharing a store and bus behave like browser tabs sharing
// localStorage and a broadcast channel.
type Engine struct {
	Cart      *cart.Store
	Catalog   *catalog.Client
	Validator *checkout.Validator
	Syncer    *syncer.Syncer

	store     storage.Store
	bus       syncbus.Bus
	cache     *cache.Cache
	refresher *catalog.Refresher

	ownsStore bool
	ownsBus   bool
	cancel    context.CancelFunc
}

// Option customises engine assembly.
type Option func(*options)

type options struct {
	store    storage.Store
	bus      syncbus.Bus
	fetcher  catalog.Fetcher
	onChange syncer.ChangeFunc
	originID string
}

// WithStore shares an existing durable store between engines. The caller
// keeps ownership and closes it.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithBus shares an existing sync bus between engines. The caller keeps
// ownership and closes it.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithFetcher overrides the remote catalog fetcher.
func WithFetcher(fetcher catalog.Fetcher) Option {
	return func(o *options) { o.fetcher = fetcher }
}

// WithOnChange registers the observer notified after remote cart updates.
func WithOnChange(fn syncer.ChangeFunc) Option {
	return func(o *options) { o.onChange = fn }
}

// WithOriginID pins this context's identity on the bus.
func WithOriginID(id string) Option {
	return func(o *options) { o.originID = id }
}

// New assembles and starts an engine from settings.
func New(ctx context.Context, cfg config.Settings, opts ...Option) (*Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	eng := new(Engine)
	if err := eng.initStore(ctx, cfg, &o); err != nil {
		return nil, err
	}
	if err := eng.initBus(ctx, cfg, &o); err != nil {
		eng.teardown()
		return nil, err
	}

	eng.cache = cache.New(cache.Config{
		TTL:            cfg.Cache.TTL,
		GraceTTL:       cfg.Cache.GraceTTL,
		MemoryCapacity: cfg.Cache.MemoryCapacity,
	}, eng.store)

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = fetch.NewFetcher(cfg.Catalog.BaseURL, fetch.Config{
			Timeout:        cfg.Fetch.Timeout,
			MaxAttempts:    cfg.Fetch.MaxAttempts,
			InitialBackoff: cfg.Fetch.InitialBackoff,
			RatePerSecond:  cfg.Fetch.RatePerSecond,
		})
	}
	eng.Catalog = catalog.NewClient(fetcher, eng.cache, cfg.Catalog.ProductsEndpoint, cfg.Cache.TTL)

	tolerance, err := decimal.NewFromString(cfg.Checkout.PriceTolerance)
	if err != nil {
		tolerance = decimal.RequireFromString("0.01")
		observability.Log().Warn("invalid price tolerance, using default",
			observability.F("value", cfg.Checkout.PriceTolerance))
	}
	eng.Validator = checkout.NewValidator(eng.Catalog, tolerance)

	eng.Cart, err = cart.NewStore(ctx, cart.NewPersister(eng.store))
	if err != nil {
		eng.teardown()
		return nil, err
	}

	syncOpts := []syncer.Option{syncer.OnChange(o.onChange)}
	if o.originID != "" {
		syncOpts = append(syncOpts, syncer.WithOriginID(o.originID))
	}
	eng.Syncer = syncer.New(eng.Cart, eng.bus, eng.store, syncer.Config{
		Debounce: cfg.Sync.DebounceWindow,
		Guard:    cfg.Sync.GuardWindow,
	}, syncOpts...)

	runCtx, cancel := context.WithCancel(context.Background())
	eng.cancel = cancel
	if err := eng.Syncer.Start(runCtx); err != nil {
		eng.teardown()
		return nil, err
	}

	if cfg.Catalog.BaseURL != "" && cfg.Catalog.RefreshInterval > 0 {
		eng.refresher = catalog.NewRefresher(eng.Catalog, cfg.Catalog.RefreshInterval)
		go eng.refresher.Run(runCtx)
	}
	return eng, nil
}

// Close stops background work and releases owned resources. Shared stores
// and buses injected through options stay open.
func (e *Engine) Close() {
	if e.Syncer != nil {
		e.Syncer.Close()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.teardown()
}

func (e *Engine) initStore(ctx context.Context, cfg config.Settings, o *options) error {
	if o.store != nil {
		e.store = o.store
		return nil
	}
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		e.store = store
	case config.StorageMemory, "":
		e.store = storage.NewMemoryStore(cfg.Storage.QuotaBytes)
	default:
		return errs.New("engine", errs.CodeInvalid,
			errs.WithMessage("unknown storage backend"),
			errs.WithDetail("backend", string(cfg.Storage.Backend)))
	}
	e.ownsStore = true
	return nil
}

func (e *Engine) initBus(ctx context.Context, cfg config.Settings, o *options) error {
	if o.bus != nil {
		e.bus = o.bus
		return nil
	}
	if cfg.Sync.RelayURL != "" {
		bus, err := syncbus.DialRelay(ctx, cfg.Sync.RelayURL, cfg.Sync.BufferSize, cfg.Fetch.Timeout)
		if err != nil {
			return err
		}
		e.bus = bus
	} else {
		e.bus = syncbus.NewMemoryBus(cfg.Sync.BufferSize)
	}
	e.ownsBus = true
	return nil
}

func (e *Engine) teardown() {
	if e.cache != nil {
		e.cache.Close()
	}
	if e.ownsBus && e.bus != nil {
		_ = e.bus.Close()
	}
	if e.ownsStore && e.store != nil {
		e.store.Close()
	}
}
