// Package storage provides the key-value persistence abstraction used by
// the reconciliation engine, with a NATS JetStream KV production backend
// and an in-memory backend for tests and offline use.
//
// Keys are hierarchical strings such as "links/<urlencoded iri>" and
// "queue/<taskID>"; values are opaque bytes (JSON by convention).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for a key.
var ErrNotFound = errors.New("key not found")

// Store is a minimal key-value contract. Implementations must be safe for
// concurrent use; the engine delegates all storage-level coordination here.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value for key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Keys lists all keys that start with prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
