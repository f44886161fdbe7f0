// Package storage defines the durable key-value medium shared by execution
// contexts, and its in-memory implementation.
package storage

import (
	"context"
	"strings"

	"github.com/veldra/storekit/errs"
)

// Event describes a committed change to a watched key.
type Event struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is the durable, per-origin key-value contract. Writes are atomic per
// key; Watch fires in every other context after a key under the prefix
// changes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
	Close()
}

// ValidateKey ensures keys are non-empty and free of whitespace.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, " \t\n") {
		return errs.New("storage/key", errs.CodeInvalid, errs.WithMessage("malformed storage key"))
	}
	return nil
}
