// Package pgstore is the Postgres access path of the shared cache.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/statcache/cache"
)

// DB is the subset of *pgxpool.Pool the store uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `CREATE TABLE IF NOT EXISTS statcache_entries (
	key          TEXT PRIMARY KEY,
	category     TEXT NOT NULL DEFAULT '',
	body         JSONB NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	ttl_ms       BIGINT NOT NULL,
	retain_until TIMESTAMPTZ NOT NULL
)`

const getSQL = `SELECT category, body, fetched_at, ttl_ms
FROM statcache_entries
WHERE key = $1 AND retain_until > $2`

const upsertSQL = `INSERT INTO statcache_entries (key, category, body, fetched_at, ttl_ms, retain_until)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE SET
	category = EXCLUDED.category,
	body = EXCLUDED.body,
	fetched_at = EXCLUDED.fetched_at,
	ttl_ms = EXCLUDED.ttl_ms,
	retain_until = EXCLUDED.retain_until`

const deleteSQL = `DELETE FROM statcache_entries WHERE key = $1`

const purgeSQL = `DELETE FROM statcache_entries WHERE retain_until <= $1`

// Store keeps shared cache entries in a Postgres table. Rows past
// retain_until are ignored on read and removed by Purge.
type Store struct {
	db  DB
	now func() time.Time
}

// Open connects a pool to databaseURL and ensures the table exists
func Open(ctx context.Context, databaseURL string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

func New(db DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create statcache_entries: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	var (
		e     = cache.Entry{Key: key}
		body  []byte
		ttlMS int64
	)
	err := s.db.QueryRow(ctx, getSQL, key, s.now()).Scan(&e.Category, &body, &e.FetchedAt, &ttlMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrCacheNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select entry %s: %w", key, err)
	}
	e.Body = body
	e.TTL = time.Duration(ttlMS) * time.Millisecond
	return &e, nil
}

func (s *Store) Set(ctx context.Context, e *cache.Entry, retain time.Duration) error {
	_, err := s.db.Exec(ctx, upsertSQL,
		e.Key,
		e.Category,
		[]byte(e.Body),
		e.FetchedAt,
		e.TTL.Milliseconds(),
		e.FetchedAt.Add(retain),
	)
	if err != nil {
		return fmt.Errorf("upsert entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, deleteSQL, key); err != nil {
		return fmt.Errorf("delete entry %s: %w", key, err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeSQL, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
