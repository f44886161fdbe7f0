// Package cache implements the two-tier catalog cache: a bounded in-process
// tier over a TTL-governed durable tier, with stale-while-revalidate reads.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
	"github.com/veldra/storekit/internal/storage"
)

// evictShare is the fraction of oldest memory-tier entries dropped when the
// tier is at capacity.
const evictShare = 4

// Config sizes the cache tiers and freshness windows.
type Config struct {
	TTL            time.Duration
	GraceTTL       time.Duration
	MemoryCapacity int
	RefreshWorkers int
	RefreshQueue   int
}

func (c Config) normalize() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.GraceTTL <= 0 {
		c.GraceTTL = 30 * time.Minute
	}
	if c.MemoryCapacity <= 0 {
		c.MemoryCapacity = 50
	}
	if c.RefreshWorkers <= 0 {
		c.RefreshWorkers = 2
	}
	if c.RefreshQueue <= 0 {
		c.RefreshQueue = 8
	}
	return c
}

// Lookup is the result of a cache read.
type Lookup struct {
	Data  json.RawMessage
	Stale bool
}

// FetchFunc produces a fresh payload during a miss or a revalidation.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Option customises cache construction.
type Option func(*Cache)

// WithClock injects the time source used for freshness decisions.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Cache coordinates the ephemeral and durable tiers. Reads prefer the
// ephemeral tier; the tiers are not transactionally coupled.
type Cache struct {
	cfg     Config
	durable storage.Store
	clock   func() time.Time

	mu     sync.Mutex
	memory map[string]schema.CacheRecord

	refresh *refreshQueue

	hitCounter     metric.Int64Counter
	missCounter    metric.Int64Counter
	evictedCounter metric.Int64Counter
}

// New constructs a cache over the given durable store.
func New(cfg Config, durable storage.Store, opts ...Option) *Cache {
	cfg = cfg.normalize()
	c := new(Cache)
	c.cfg = cfg
	c.durable = durable
	c.clock = time.Now
	c.memory = make(map[string]schema.CacheRecord)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.refresh = newRefreshQueue(cfg.RefreshWorkers, cfg.RefreshQueue)

	meter := otel.Meter("storekit.cache")
	c.hitCounter, _ = meter.Int64Counter("storekit_cache_hits_total",
		metric.WithDescription("Cache hits by tier and freshness"),
		metric.WithUnit("{hit}"))
	c.missCounter, _ = meter.Int64Counter("storekit_cache_misses_total",
		metric.WithDescription("Cache misses"),
		metric.WithUnit("{miss}"))
	c.evictedCounter, _ = meter.Int64Counter("storekit_cache_evictions_total",
		metric.WithDescription("Memory-tier entries evicted to make room"),
		metric.WithUnit("{entry}"))
	return c
}

// Close stops background revalidation workers.
func (c *Cache) Close() {
	c.refresh.close()
}

// Get returns the cached payload for namespace/key. Entries past TTL but
// within the grace window come back marked stale; entries past grace are
// purged and reported as a miss.
func (c *Cache) Get(ctx context.Context, namespace, key string) (Lookup, error) {
	full := schema.CacheKey(namespace, key)
	now := c.clock()

	c.mu.Lock()
	record, ok := c.memory[full]
	c.mu.Unlock()
	if ok {
		if record.Fresh(now) {
			c.countHit(ctx, "memory", false)
			return Lookup{Data: record.Data, Stale: false}, nil
		}
		if record.Usable(now, c.cfg.GraceTTL) {
			c.countHit(ctx, "memory", true)
			return Lookup{Data: record.Data, Stale: true}, nil
		}
		c.mu.Lock()
		delete(c.memory, full)
		c.mu.Unlock()
	}

	raw, err := c.durable.Get(ctx, full)
	if err != nil {
		c.countMiss(ctx)
		return Lookup{}, errs.New("cache/get", errs.CodeNotFound,
			errs.WithMessage("cache miss"), errs.WithDetail("key", full))
	}
	record, err = schema.DecodeCacheRecord(raw)
	if err != nil {
		// Corrupt or version-mismatched records invalidate only themselves.
		_ = c.durable.Delete(ctx, full)
		c.countMiss(ctx)
		return Lookup{}, errs.New("cache/get", errs.CodeNotFound,
			errs.WithMessage("cache miss"), errs.WithDetail("key", full), errs.WithCause(err))
	}
	if record.Fresh(now) {
		c.promote(ctx, full, record)
		c.countHit(ctx, "durable", false)
		return Lookup{Data: record.Data, Stale: false}, nil
	}
	if record.Usable(now, c.cfg.GraceTTL) {
		c.countHit(ctx, "durable", true)
		return Lookup{Data: record.Data, Stale: true}, nil
	}

	_ = c.durable.Delete(ctx, full)
	c.countMiss(ctx)
	return Lookup{}, errs.New("cache/get", errs.CodeNotFound,
		errs.WithMessage("cache entry past grace expiry"), errs.WithDetail("key", full))
}

// Set writes the payload to both tiers with the given TTL.
func (c *Cache) Set(ctx context.Context, namespace, key string, data []byte, ttl time.Duration) error {
	if len(data) == 0 {
		return errs.New("cache/set", errs.CodeInvalid, errs.WithMessage("empty payload"))
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	full := schema.CacheKey(namespace, key)
	record := schema.CacheRecord{
		Data:      append([]byte(nil), data...),
		Timestamp: schema.UnixMillis(c.clock()),
		TTL:       ttl.Milliseconds(),
		Version:   schema.CacheSchemaVersion,
	}
	c.promote(ctx, full, record)

	encoded, err := json.Marshal(record)
	if err != nil {
		return errs.New("cache/set", errs.CodeInvalid, errs.WithMessage("encode cache record"), errs.WithCause(err))
	}
	if err := c.durable.Put(ctx, full, encoded); err != nil {
		// The memory tier already holds the value; a failed durable write
		// degrades persistence, not reads.
		observability.Log().Error("durable cache write failed",
			observability.F("key", full), observability.F("error", err))
	}
	return nil
}

// GetOrFetch implements stale-while-revalidate: fresh hits return directly,
// stale hits return immediately while a background refresh runs, and misses
// fetch synchronously through fn.
func (c *Cache) GetOrFetch(ctx context.Context, namespace, key string, ttl time.Duration, fn FetchFunc) (Lookup, error) {
	lookup, err := c.Get(ctx, namespace, key)
	if err == nil {
		if lookup.Stale {
			c.triggerRefresh(namespace, key, ttl, fn)
		}
		return lookup, nil
	}

	data, err := fn(ctx)
	if err != nil {
		return Lookup{}, err
	}
	if err := c.Set(ctx, namespace, key, data, ttl); err != nil {
		return Lookup{}, err
	}
	return Lookup{Data: data, Stale: false}, nil
}

// Invalidate drops the entry from both tiers.
func (c *Cache) Invalidate(ctx context.Context, namespace, key string) {
	full := schema.CacheKey(namespace, key)
	c.mu.Lock()
	delete(c.memory, full)
	c.mu.Unlock()
	_ = c.durable.Delete(ctx, full)
}

func (c *Cache) triggerRefresh(namespace, key string, ttl time.Duration, fn FetchFunc) {
	full := schema.CacheKey(namespace, key)
	submitted := c.refresh.submit(full, func(ctx context.Context) {
		data, err := fn(ctx)
		if err != nil {
			observability.Log().Info("background revalidation failed",
				observability.F("key", full), observability.F("error", err))
			return
		}
		if err := c.Set(ctx, namespace, key, data, ttl); err != nil {
			observability.Log().Error("revalidated write failed",
				observability.F("key", full), observability.F("error", err))
		}
	})
	if !submitted {
		observability.Log().Debug("revalidation skipped", observability.F("key", full))
	}
}

// promote inserts the record into the memory tier, evicting the oldest
// quarter of entries when the tier is at capacity.
func (c *Cache) promote(ctx context.Context, full string, record schema.CacheRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.memory[full]; !exists && len(c.memory) >= c.cfg.MemoryCapacity {
		evicted := c.evictOldestLocked()
		if c.evictedCounter != nil {
			c.evictedCounter.Add(ctx, int64(evicted))
		}
	}
	c.memory[full] = record
}

func (c *Cache) evictOldestLocked() int {
	type aged struct {
		key       string
		timestamp int64
	}
	entries := make([]aged, 0, len(c.memory))
	for k, rec := range c.memory {
		entries = append(entries, aged{key: k, timestamp: rec.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].timestamp < entries[j].timestamp })

	count := len(entries) / evictShare
	if count < 1 {
		count = 1
	}
	for _, entry := range entries[:count] {
		delete(c.memory, entry.key)
	}
	return count
}

func (c *Cache) countHit(ctx context.Context, tier string, stale bool) {
	if c.hitCounter == nil {
		return
	}
	c.hitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("stale", stale)))
}

func (c *Cache) countMiss(ctx context.Context) {
	if c.missCounter != nil {
		c.missCounter.Add(ctx, 1)
	}
}
