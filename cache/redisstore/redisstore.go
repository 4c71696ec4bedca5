// Package redisstore is the Redis access path of the shared cache.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/briangreenhill/statcache/cache"
)

const keyPrefix = "statcache:"

type Store struct {
	rdb *redis.Client
}

type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewStore connects to Redis and verifies the connection
func NewStore(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewStoreFromClient wraps an existing client
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Name() string { return "redis" }

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Health(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrCacheNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var e cache.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &e, nil
}

func (s *Store) Set(ctx context.Context, e *cache.Entry, retain time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+e.Key, data, retain).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", e.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
