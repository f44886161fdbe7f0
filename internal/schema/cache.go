package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/veldra/storekit/errs"
)

// CacheSchemaVersion tags durable cache records. A stored record with a
// different version is treated as a miss and invalidated.
const CacheSchemaVersion = "1.2"

// CacheKeyPrefix namespaces every durable cache record written by the engine.
const CacheKeyPrefix = "cache_"

// CacheRecord is the durable envelope around a cached payload.
type CacheRecord struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttl"`
	Version   string          `json:"version"`
}

// CacheKey renders the durable key for a namespace/identifier pair.
func CacheKey(namespace, identifier string) string {
	return CacheKeyPrefix + namespace + "_" + identifier
}

// Fresh reports whether the record is within its TTL at the given instant.
func (r CacheRecord) Fresh(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return UnixMillis(now)-r.Timestamp <= r.TTL
}

// Usable reports whether the record may still serve as a stale fallback:
// expired by TTL but not yet past the grace window.
func (r CacheRecord) Usable(now time.Time, grace time.Duration) bool {
	return UnixMillis(now)-r.Timestamp <= r.TTL+grace.Milliseconds()
}

// DecodeCacheRecord parses and version-checks a durable cache record.
func DecodeCacheRecord(raw []byte) (CacheRecord, error) {
	var record CacheRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return CacheRecord{}, errs.New("schema/cache", errs.CodeSchema, errs.WithMessage("malformed cache record"), errs.WithCause(err))
	}
	if strings.TrimSpace(record.Version) != CacheSchemaVersion {
		return CacheRecord{}, errs.New("schema/cache", errs.CodeSchema,
			errs.WithMessage("cache record version mismatch"),
			errs.WithDetail("stored_version", record.Version))
	}
	return record, nil
}
