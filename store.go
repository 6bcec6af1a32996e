package geoprice

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store represents the interface for status store backends.
// Implementations must be thread-safe; Set and Get must be atomic per key.
type Store interface {
	// Set writes value under key, replacing any previous value and resetting its expiry.
	// A ttl <= 0 stores the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key. Missing and expired keys
	// return found == false and a nil error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Close closes the backend.
	Close() error
}

// Expirer is implemented by stores that need periodic removal of expired entries.
type Expirer interface {
	// CleanupExpired removes expired entries and returns how many were removed.
	CleanupExpired(ctx context.Context) (int, error)
}

// key prefixes
const (
	keyPrefixStatus = "task:status:"
	keyPrefixResult = "task:result:"
	keyPrefixName   = "task:name:"
)

// StatusKey returns the key for a job status record
func StatusKey(jobID string) string {
	return keyPrefixStatus + jobID
}

// ResultKey returns the key for a job result record
func ResultKey(jobID string) string {
	return keyPrefixResult + jobID
}

// NameKey returns the key for a job name record
func NameKey(jobID string) string {
	return keyPrefixName + jobID
}

// Store backend names accepted by OpenStore.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// OpenStore opens the backend selected by cfg.StoreBackend.
// The sqlite backend is only available in binaries built with -tags sqlite.
func OpenStore(cfg *Config, logger *slog.Logger) (Store, error) {
	switch cfg.StoreBackend {
	case "", StoreMemory:
		return NewInMemoryStore(), nil
	case StoreBadger:
		return NewBadgerStore(cfg.StorePath, logger)
	case StoreSQLite:
		return openSQLiteStore(cfg.StorePath, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
