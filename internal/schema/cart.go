// Package schema defines the wire and durable record formats shared across
// the engine: cart records, cache records, cross-context sync messages, and
// the normalized catalog product shape.
package schema

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/veldra/storekit/errs"
)

// CartSchemaVersion is the current durable cart record version. Older
// records are migrated on load.
const CartSchemaVersion = 2

// CartKey is the durable storage key holding the cart record.
const CartKey = "cart_state"

// CartItem is a single cart line as persisted and broadcast.
type CartItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Image     string          `json:"image"`
	Brand     string          `json:"brand"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	AddedAt   int64           `json:"addedAt"`
}

// Validate ensures the item conforms to cart invariants.
func (i CartItem) Validate() error {
	if strings.TrimSpace(i.ProductID) == "" {
		return errs.New("schema/cart-item", errs.CodeInvalid, errs.WithMessage("product id required"))
	}
	if i.Quantity < 1 {
		return errs.New("schema/cart-item", errs.CodeInvalid, errs.WithMessage("quantity must be >= 1"))
	}
	return nil
}

// CartRecord is the minimal durable subset of a cart snapshot.
type CartRecord struct {
	Items         []CartItem      `json:"items"`
	SessionID     string          `json:"sessionId"`
	TotalItems    int             `json:"totalItems"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	LastUpdated   int64           `json:"lastUpdated"`
	SchemaVersion int             `json:"schemaVersion"`
}

// DecodeCartRecord parses a durable or broadcast cart record. Records from
// a newer schema than this build are rejected rather than partially read.
func DecodeCartRecord(raw []byte) (CartRecord, error) {
	var record CartRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return CartRecord{}, errs.New("schema/cart", errs.CodeSchema, errs.WithMessage("malformed cart record"), errs.WithCause(err))
	}
	if record.SchemaVersion > CartSchemaVersion {
		return CartRecord{}, errs.New("schema/cart", errs.CodeSchema,
			errs.WithMessage("cart record from newer schema"),
			errs.WithDetail("version", strconv.Itoa(record.SchemaVersion)))
	}
	return record, nil
}

// UnixMillis converts a time into the epoch-millisecond representation used
// on every wire and durable timestamp.
func UnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts an epoch-millisecond timestamp back into a UTC time.
func FromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
