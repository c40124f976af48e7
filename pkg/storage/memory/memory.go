package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/wattvault/wattvault/pkg/storage"
)

// Backend stores key/value pairs in memory. Data is lost on restart.
// Useful for testing and development.
type Backend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// Put stores a value under key, replacing any existing value.
func (b *Backend) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, string(key))
	return nil
}

// Apply commits all puts and deletes under one lock acquisition so
// readers never observe a partially applied batch.
func (b *Backend) Apply(ctx context.Context, batch storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kv := range batch.Puts {
		b.data[string(kv.Key)] = append([]byte(nil), kv.Value...)
	}
	for _, k := range batch.Deletes {
		delete(b.data, string(k))
	}
	return nil
}

// Scan visits keys with the given prefix in ascending key order.
func (b *Backend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	b.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		b.mu.RLock()
		v, ok := b.data[k]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for the memory backend.
func (b *Backend) Close() error {
	return nil
}
