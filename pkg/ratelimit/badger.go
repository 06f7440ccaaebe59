package ratelimit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded counter store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// InMemory keeps counters in memory only.
	InMemory bool `yaml:"in_memory"`
}

// BadgerCounter is a Counter backed by an embedded Badger database.
// Increments run in serializable transactions and are retried on conflict.
type BadgerCounter struct {
	db *badger.DB
}

// OpenBadgerCounter opens (or creates) the counter database.
func OpenBadgerCounter(cfg BadgerConfig) (*BadgerCounter, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent counter store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create counter directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger counter store: %w", err)
	}
	return &BadgerCounter{db: db}, nil
}

// Incr implements Counter.
func (b *BadgerCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		err := b.db.Update(func(txn *badger.Txn) error {
			count = 1
			expiresAt := uint64(time.Now().Add(window).Unix())

			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					if len(val) == 8 {
						count = int64(binary.BigEndian.Uint64(val)) + 1
					}
					return nil
				}); err != nil {
					return err
				}
				if item.ExpiresAt() != 0 {
					expiresAt = item.ExpiresAt()
				}
			}

			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(count))
			entry := badger.NewEntry([]byte(key), buf)
			entry.ExpiresAt = expiresAt
			return txn.SetEntry(entry)
		})

		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("increment %s: %w", key, err)
		}
		return count, nil
	}
}

// Close closes the database.
func (b *BadgerCounter) Close() error {
	return b.db.Close()
}
