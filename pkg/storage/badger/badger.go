package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/wattvault/wattvault/pkg/storage"
)

// Backend implements storage.Backend on BadgerDB (LSM tree).
type Backend struct {
	db *badger.DB
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = conservative default).
	MaxMemoryMB int64
}

// New opens a BadgerDB backend tuned for a time-series workload with
// strict memory bounds. Badger's defaults assume server-class memory;
// without these limits it can consume 1-2 GB even with a small memtable.
func New(cfg Config) (*Backend, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	} else {
		// 16 MB memtable is the floor for decent performance;
		// below that badger flushes to disk excessively.
		memTableSize = 16 * 1024 * 1024
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Backend{db: db}, nil
}

// Put stores a value under key.
func (b *Backend) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	return out, err
}

// Delete removes key. Deleting a missing key is a no-op.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Apply commits all puts and deletes in a single transaction.
func (b *Backend) Apply(ctx context.Context, batch storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for i, kv := range batch.Puts {
			if i%100 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			if err := txn.Set(kv.Key, kv.Value); err != nil {
				return fmt.Errorf("batch put: %w", err)
			}
		}
		for _, k := range batch.Deletes {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("batch delete: %w", err)
			}
		}
		return nil
	})
}

// Scan visits keys with the given prefix in ascending key order.
// Checks ctx every 1000 iterations so long scans cannot block shutdown.
func (b *Backend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		var n int
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return fn(item.Key(), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC runs badger's value log garbage collection. A pass that found
// nothing to reclaim is success, not an error.
func (b *Backend) RunGC(discardRatio float64) error {
	err := b.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close shuts down BadgerDB cleanly, flushing pending writes.
func (b *Backend) Close() error {
	return b.db.Close()
}
