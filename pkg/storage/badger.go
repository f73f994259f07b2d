package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// deleteBatchSize bounds the number of keys collected per DeletePrefix pass.
const deleteBatchSize = 1000

// BadgerOptions configures an embedded Badger database.
type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites fsyncs every write. Slower, survives power loss.
	SyncWrites bool

	// Logger receives Badger's internal log output. Nil silences it.
	Logger badger.Logger
}

// BadgerBackend stores entries in an embedded Badger database.
//
// Safe for concurrent use.
type BadgerBackend struct {
	mu       sync.RWMutex
	db       *badger.DB
	dir      string
	inMemory bool
	closed   bool
}

var _ Backend = (*BadgerBackend)(nil)

// OpenBadger opens (or creates) a Badger database.
func OpenBadger(opts BadgerOptions) (*BadgerBackend, error) {
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	} else if dir == "" {
		return nil, fmt.Errorf("badger data dir is required")
	}

	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger).
		// Cache entries are small JSON documents; keep the footprint modest.
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(32 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerBackend{
		db:       db,
		dir:      dir,
		inMemory: opts.InMemory,
	}, nil
}

// BadgerOpener returns an Opener that keeps one database per scope under baseDir.
func BadgerOpener(baseDir string, inMemory bool) Opener {
	return func(ctx context.Context, scope string) (Backend, error) {
		return OpenBadger(BadgerOptions{
			Dir:      filepath.Join(baseDir, scope),
			InMemory: inMemory,
		})
	}
}

func (b *BadgerBackend) withView(fn func(txn *badger.Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.View(fn)
}

func (b *BadgerBackend) withUpdate(fn func(txn *badger.Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.Update(fn)
}

// Get implements Backend.
func (b *BadgerBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.withView(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

// Set implements Backend.
func (b *BadgerBackend) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	err := b.withUpdate(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if expiry > 0 {
			entry = entry.WithTTL(expiry)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *BadgerBackend) Delete(ctx context.Context, key string) error {
	err := b.withUpdate(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// DeletePrefix implements Backend.
func (b *BadgerBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		keys, err := b.collectKeys([]byte(prefix), deleteBatchSize)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}

		err = b.withUpdate(func(txn *badger.Txn) error {
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("badger delete prefix: %w", err)
		}
		total += len(keys)
	}
}

func (b *BadgerBackend) collectKeys(prefix []byte, limit int) ([][]byte, error) {
	var keys [][]byte
	err := b.withView(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(keys) < limit; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan keys: %w", err)
	}
	return keys, nil
}

// Scan implements Backend.
func (b *BadgerBackend) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return b.withView(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = 64
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("badger read value: %w", err)
			}
			if err := fn(string(item.Key()), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Drop implements Backend. On-disk databases also have their directory removed.
func (b *BadgerBackend) Drop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("badger drop: %w", err)
	}
	b.closed = true
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("badger close: %w", err)
	}
	if !b.inMemory && b.dir != "" {
		if err := os.RemoveAll(b.dir); err != nil {
			return fmt.Errorf("remove badger dir: %w", err)
		}
	}
	return nil
}
