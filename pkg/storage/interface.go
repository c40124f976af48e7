package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for a key.
var ErrNotFound = errors.New("storage: key not found")

// KV is a single key/value pair in a batch.
type KV struct {
	Key   []byte
	Value []byte
}

// Batch groups writes and deletes that must become visible together.
// Chunk compression depends on this: the compressed segments and the
// removal of the row-level keys land in one atomic step.
type Batch struct {
	Puts    []KV
	Deletes [][]byte
}

// Backend is the persistence layer beneath the chunk and rollup stores.
// Implementations: memory (testing), badger (production).
//
// Scan visits keys with the given prefix in ascending key order. Key and
// value slices passed to the callback are only valid for the duration of
// the call; implementations may reuse the underlying buffers.
type Backend interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	Apply(ctx context.Context, batch Batch) error
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	Close() error
}
