// Package sqlitestore is the SQLite access path of the shared cache, for
// single-node deployments and development.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/briangreenhill/statcache/cache"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS statcache_entries (
	key          TEXT PRIMARY KEY,
	category     TEXT NOT NULL DEFAULT '',
	body         BLOB NOT NULL,
	fetched_at   INTEGER NOT NULL,
	ttl_ms       INTEGER NOT NULL,
	retain_until INTEGER NOT NULL
)`

// Store provides SQLite-backed shared cache entries
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a SQLite store at path and creates the table
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create statcache_entries: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	var (
		e         = cache.Entry{Key: key}
		body      []byte
		fetchedMS int64
		ttlMS     int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT category, body, fetched_at, ttl_ms FROM statcache_entries WHERE key = ? AND retain_until > ?`,
		key, s.now().UnixMilli(),
	).Scan(&e.Category, &body, &fetchedMS, &ttlMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrCacheNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select entry %s: %w", key, err)
	}
	e.Body = body
	e.FetchedAt = time.UnixMilli(fetchedMS).UTC()
	e.TTL = time.Duration(ttlMS) * time.Millisecond
	return &e, nil
}

func (s *Store) Set(ctx context.Context, e *cache.Entry, retain time.Duration) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO statcache_entries (key, category, body, fetched_at, ttl_ms, retain_until)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			category = excluded.category,
			body = excluded.body,
			fetched_at = excluded.fetched_at,
			ttl_ms = excluded.ttl_ms,
			retain_until = excluded.retain_until`,
		e.Key, e.Category, []byte(e.Body), e.FetchedAt.UnixMilli(), e.TTL.Milliseconds(), e.FetchedAt.Add(retain).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM statcache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete entry %s: %w", key, err)
	}
	return nil
}

// Purge deletes rows whose retention has passed
func (s *Store) Purge(ctx context.Context) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM statcache_entries WHERE retain_until <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge entries: %w", err)
	}
	return res.RowsAffected()
}
