package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/statcache/cache"
)

type row struct {
	category    string
	body        []byte
	fetchedAt   time.Time
	ttlMS       int64
	retainUntil time.Time
}

// fakeDB interprets the statements the store issues
type fakeDB struct {
	mu    sync.Mutex
	rows  map[string]row
	execs []string
	err   error
}

func newFakeDB() *fakeDB { return &fakeDB{rows: make(map[string]row)} }

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	switch {
	case strings.HasPrefix(sql, "INSERT"):
		f.rows[args[0].(string)] = row{
			category:    args[1].(string),
			body:        args[2].([]byte),
			fetchedAt:   args[3].(time.Time),
			ttlMS:       args[4].(int64),
			retainUntil: args[5].(time.Time),
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case sql == purgeSQL:
		var n int
		for k, r := range f.rows {
			if !r.retainUntil.After(args[0].(time.Time)) {
				delete(f.rows, k)
				n++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", n)), nil
	case strings.HasPrefix(sql, "DELETE"):
		delete(f.rows, args[0].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return errRow{f.err}
	}
	r, ok := f.rows[args[0].(string)]
	if !ok || !r.retainUntil.After(args[1].(time.Time)) {
		return errRow{pgx.ErrNoRows}
	}
	return r
}

func (r row) Scan(dest ...any) error {
	*dest[0].(*string) = r.category
	*dest[1].(*[]byte) = r.body
	*dest[2].(*time.Time) = r.fetchedAt
	*dest[3].(*int64) = r.ttlMS
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func TestEnsureSchema(t *testing.T) {
	db := newFakeDB()
	require.NoError(t, New(db).EnsureSchema(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS statcache_entries")
}

func TestStoreRoundTrip(t *testing.T) {
	db := newFakeDB()
	s := New(db)
	ctx := context.Background()
	fetched := time.Now().UTC()

	err := s.Set(ctx, &cache.Entry{
		Key: "nba_player_2544", Category: "player", FetchedAt: fetched, TTL: 90 * time.Second, Body: []byte(`{"pts":27}`),
	}, time.Hour)
	require.NoError(t, err)

	got, err := s.Get(ctx, "nba_player_2544")
	require.NoError(t, err)
	assert.Equal(t, "player", got.Category)
	assert.Equal(t, 90*time.Second, got.TTL)
	assert.True(t, fetched.Equal(got.FetchedAt))
	assert.JSONEq(t, `{"pts":27}`, string(got.Body))
	assert.True(t, db.rows["nba_player_2544"].retainUntil.Equal(fetched.Add(time.Hour)))
}

func TestStoreRetentionAndMissing(t *testing.T) {
	db := newFakeDB()
	s := New(db)
	ctx := context.Background()

	_, err := s.Get(ctx, "absent")
	assert.ErrorIs(t, err, cache.ErrCacheNotFound)

	require.NoError(t, s.Set(ctx, &cache.Entry{Key: "k", FetchedAt: time.Now().Add(-2 * time.Hour), TTL: time.Minute, Body: []byte(`1`)}, time.Hour))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheNotFound, "rows past retention are invisible")
}

func TestStoreDeleteAndErrors(t *testing.T) {
	db := newFakeDB()
	s := New(db)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &cache.Entry{Key: "k", FetchedAt: time.Now(), TTL: time.Minute, Body: []byte(`1`)}, time.Hour))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheNotFound)

	db.err = errors.New("conn closed")
	_, err = s.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrCacheNotFound)
	assert.Error(t, s.Set(ctx, &cache.Entry{Key: "k"}, time.Minute))
}

func TestStorePurge(t *testing.T) {
	db := newFakeDB()
	s := New(db)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, &cache.Entry{Key: "old", FetchedAt: now.Add(-2 * time.Hour), TTL: time.Minute, Body: []byte(`1`)}, time.Hour))
	require.NoError(t, s.Set(ctx, &cache.Entry{Key: "stale", FetchedAt: now.Add(-10 * time.Minute), TTL: time.Minute, Body: []byte(`2`)}, time.Hour))

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.NotContains(t, db.rows, "old")
	assert.Contains(t, db.rows, "stale", "expired rows inside retention are kept for fallback")

	db.err = errors.New("conn closed")
	_, err = s.Purge(ctx)
	assert.Error(t, err)
}
