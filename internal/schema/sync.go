package schema

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/veldra/storekit/errs"
)

// SyncType tags a cross-context message variant.
type SyncType string

const (
	// SyncCartUpdated carries the full cart record after any item mutation.
	SyncCartUpdated SyncType = "CART_UPDATED"
	// SyncCartCleared announces an explicit cart clear with session rotation.
	SyncCartCleared SyncType = "CART_CLEARED"
	// SyncRequest asks peer contexts to rebroadcast their current state.
	SyncRequest SyncType = "SYNC_REQUEST"
)

// SyncMessage is the tagged envelope exchanged between execution contexts.
// Messages are transient: they are never persisted.
type SyncMessage struct {
	Type      SyncType        `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	OriginID  string          `json:"originId"`
}

// Validate ensures the message carries a known variant and an origin.
func (m SyncMessage) Validate() error {
	switch m.Type {
	case SyncCartUpdated, SyncCartCleared, SyncRequest:
	default:
		return errs.New("schema/sync", errs.CodeInvalid, errs.WithMessage("unknown sync message type"))
	}
	if strings.TrimSpace(m.OriginID) == "" {
		return errs.New("schema/sync", errs.CodeInvalid, errs.WithMessage("origin id required"))
	}
	return nil
}

// CartPayload decodes the embedded cart record for CART_UPDATED and
// CART_CLEARED messages.
func (m SyncMessage) CartPayload() (CartRecord, error) {
	var record CartRecord
	if len(m.Data) == 0 {
		return record, errs.New("schema/sync", errs.CodeInvalid, errs.WithMessage("empty sync payload"))
	}
	if err := json.Unmarshal(m.Data, &record); err != nil {
		return CartRecord{}, errs.New("schema/sync", errs.CodeSchema, errs.WithMessage("malformed sync payload"), errs.WithCause(err))
	}
	return record, nil
}

// NewCartMessage wraps a cart record into a sync envelope of the given type.
func NewCartMessage(msgType SyncType, record CartRecord, originID string) (SyncMessage, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return SyncMessage{}, errs.New("schema/sync", errs.CodeInvalid, errs.WithMessage("encode cart payload"), errs.WithCause(err))
	}
	msg := SyncMessage{
		Type:      msgType,
		Data:      payload,
		Timestamp: record.LastUpdated,
		OriginID:  originID,
	}
	if err := msg.Validate(); err != nil {
		return SyncMessage{}, err
	}
	return msg, nil
}
