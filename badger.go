package geoprice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the Store interface using BadgerDB.
// Expiry is delegated to Badger's per-entry TTL, so expired keys disappear
// from reads without any cleanup pass.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore creates a new BadgerDB store.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	return openBadger(opts, logger)
}

// NewInMemoryBadgerStore creates a BadgerDB store that keeps all data in memory.
func NewInMemoryBadgerStore(logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts, logger)
}

func openBadger(opts badger.Options, logger *slog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
func (b *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// Set writes value under key with the given TTL.
func (b *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(badgerTTL(ttl))
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return ErrStoreClosed
		}
		b.logger.Debug("Set: badger update failed", "key", key, "error", err)
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	b.logger.Debug("Set: stored", "key", key, "bytes", len(value), "ttl", ttl)
	return nil
}

// badgerTTL rounds ttl up so that an entry lives at least ttl. Badger stores
// expiry as a whole Unix second, truncating now+ttl, so up to one extra
// second is added on top of rounding to whole seconds.
func badgerTTL(ttl time.Duration) time.Duration {
	return (ttl+time.Second-1).Truncate(time.Second) + time.Second
}

// Get returns the value stored under key.
func (b *BadgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, false, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, false, nil
	case errors.Is(err, badger.ErrDBClosed):
		return nil, false, ErrStoreClosed
	default:
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
}

// CleanupExpired runs value log garbage collection so space held by expired
// entries is reclaimed. Badger does not report a count, so it returns 0.
func (b *BadgerStore) CleanupExpired(ctx context.Context) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}
	if b.db.Opts().InMemory {
		return 0, nil
	}
	for {
		err := b.db.RunValueLogGC(0.5)
		if err == nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to run value log GC: %w", err)
	}
}
