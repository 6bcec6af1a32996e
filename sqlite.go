//go:build sqlite
// +build sqlite

package geoprice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite.
// Expired rows are invisible to Get and removed by CleanupExpired.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store.
// The database file will be created if it doesn't exist.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func openSQLiteStore(dbPath string, logger *slog.Logger) (Store, error) {
	return NewSQLiteStore(dbPath, logger)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Set writes value under key, replacing any previous row.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: s.now().Add(ttl).UnixNano(), Valid: true}
	}
	if value == nil {
		value = []byte{}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		s.logger.Debug("Set: sqlite upsert failed", "key", key, "error", err)
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key unless it has expired.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, false, err
	}

	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if expiresAt.Valid && s.now().UnixNano() >= expiresAt.Int64 {
		return nil, false, nil
	}
	return value, true, nil
}

// CleanupExpired deletes expired rows.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rows: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	return int(removed), nil
}

// SetClockForTesting replaces the clock used to compute and check expiry.
func (s *SQLiteStore) SetClockForTesting(now func() time.Time) {
	s.now = now
}
