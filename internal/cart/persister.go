package cart

import (
	"context"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
	"github.com/veldra/storekit/internal/storage"
)

// Persister reads and writes the durable cart record. It owns schema
// migration on the read path and quota recovery on the write path.
type Persister struct {
	store storage.Store
	clock func() time.Time

	migrations metric.Int64Counter
	evictions  metric.Int64Counter
}

// NewPersister constructs a persister over the given store.
func NewPersister(store storage.Store) *Persister {
	meter := otel.Meter("storekit/cart")
	migrations, _ := meter.Int64Counter("storekit.cart.schema_migrations")
	evictions, _ := meter.Int64Counter("storekit.cart.quota_evictions")
	return &Persister{
		store:      store,
		clock:      time.Now,
		migrations: migrations,
		evictions:  evictions,
	}
}

// Load returns the persisted cart record, migrating older layouts in
// place. Records written by a newer schema than this build understands are
// treated as absent rather than guessed at.
func (p *Persister) Load(ctx context.Context) (schema.CartRecord, bool, error) {
	raw, err := p.store.Get(ctx, schema.CartKey)
	if err != nil {
		if errs.HasCode(err, errs.CodeNotFound) {
			return schema.CartRecord{}, false, nil
		}
		return schema.CartRecord{}, false, err
	}

	var record schema.CartRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		observability.Log().Warn("discarding unreadable cart record", observability.F("error", err))
		return schema.CartRecord{}, false, nil
	}
	if record.SchemaVersion > schema.CartSchemaVersion {
		observability.Log().Warn("cart record from newer schema, starting fresh",
			observability.F("version", record.SchemaVersion))
		return schema.CartRecord{}, false, nil
	}
	if record.SchemaVersion < schema.CartSchemaVersion {
		record = p.migrate(ctx, record)
	}
	return record, true, nil
}

// Save writes the record durably. On a quota failure it evicts the oldest
// cache entries and retries exactly once; a second failure is returned and
// the cart continues memory-only for the session.
func (p *Persister) Save(ctx context.Context, record schema.CartRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return errs.New("cart/persist", errs.CodeInvalid, errs.WithMessage("encode cart record"), errs.WithCause(err))
	}

	err = p.store.Put(ctx, schema.CartKey, encoded)
	if !errs.HasCode(err, errs.CodeQuota) {
		return err
	}

	if evictErr := p.evictOldestCacheEntries(ctx); evictErr != nil {
		observability.Log().Warn("quota eviction failed", observability.F("error", evictErr))
	}
	return p.store.Put(ctx, schema.CartKey, encoded)
}

// migrate upgrades a v1 record: line items carried no added-at stamp and
// totals were not reliably maintained, so both are rebuilt here.
func (p *Persister) migrate(ctx context.Context, record schema.CartRecord) schema.CartRecord {
	for i := range record.Items {
		if record.Items[i].AddedAt == 0 {
			record.Items[i].AddedAt = record.LastUpdated
		}
	}
	total := 0
	amount := decimal.Zero
	for _, item := range record.Items {
		total += item.Quantity
		amount = amount.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	record.TotalItems = total
	record.TotalAmount = amount
	from := record.SchemaVersion
	record.SchemaVersion = schema.CartSchemaVersion
	p.migrations.Add(ctx, 1)
	observability.Log().Info("migrated cart record",
		observability.F("from", from),
		observability.F("to", schema.CartSchemaVersion))
	return record
}

// evictOldestCacheEntries frees quota by deleting the least recently
// written half of the cache namespace. Cart data is never evicted; cache
// entries can always be refetched.
func (p *Persister) evictOldestCacheEntries(ctx context.Context) error {
	keys, err := p.store.Keys(ctx, schema.CacheKeyPrefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errs.New("cart/persist", errs.CodeQuota, errs.WithMessage("no cache entries to evict"))
	}

	type aged struct {
		key       string
		timestamp int64
	}
	entries := make([]aged, 0, len(keys))
	for _, key := range keys {
		raw, err := p.store.Get(ctx, key)
		if err != nil {
			continue
		}
		record, err := schema.DecodeCacheRecord(raw)
		if err != nil {
			// unreadable cache entries are the first to go
			entries = append(entries, aged{key: key, timestamp: 0})
			continue
		}
		entries = append(entries, aged{key: key, timestamp: record.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].timestamp < entries[j].timestamp })

	victims := len(entries) / 2
	if victims == 0 {
		victims = 1
	}
	for _, entry := range entries[:victims] {
		if err := p.store.Delete(ctx, entry.key); err != nil {
			observability.Log().Warn("cache eviction delete failed",
				observability.F("key", entry.key), observability.F("error", err))
		}
	}
	p.evictions.Add(ctx, int64(victims))
	observability.Log().Info("evicted cache entries to free quota", observability.F("count", victims))
	return nil
}
