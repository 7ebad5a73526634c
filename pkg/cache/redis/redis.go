// Package redis provides a cache storage shared between processes through Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/weave/pkg/models"
)

// DefaultPrefix namespaces Weave keys inside a shared Redis database.
const DefaultPrefix = "weave:cache:"

const scanBatch = 200

// Options configures a Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Storage is a cache.Storage, cache.KeyLister and cache.Toucher on Redis. Entries are
// stored as JSON with a native expiry matching their TTL, so Redis drops
// them even if no reader ever evicts them.
type Storage struct {
	client goredis.UniversalClient
	prefix string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options) (*Storage, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}

	return NewWithClient(client, opts.Prefix), nil
}

// NewWithClient wraps an existing client. An empty prefix uses DefaultPrefix.
func NewWithClient(client goredis.UniversalClient, prefix string) *Storage {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Storage{client: client, prefix: prefix}
}

// Get returns the entry for key.
func (s *Storage) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var e models.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("decode entry %q: %w", key, err)
	}
	e.Key = key
	return e, true, nil
}

// Set stores the entry with a Redis expiry at CreatedAt+TTL. An entry whose
// expiry has already passed is deleted instead.
func (s *Storage) Set(ctx context.Context, key string, e models.CacheEntry) error {
	var expiration time.Duration
	if ttl := e.Metadata.TTL; ttl > 0 {
		expiration = time.Until(e.Metadata.CreatedAt.Add(ttl))
		if expiration <= 0 {
			return s.Delete(ctx, key)
		}
	}

	e.Key = key
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", key, err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, expiration).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Touch records a hit on key inside a WATCH transaction. A concurrent write
// to the key, or a stored entry with a different CreatedAt, leaves it untouched.
func (s *Storage) Touch(ctx context.Context, key string, createdAt, accessedAt time.Time) (bool, error) {
	rkey := s.prefix + key
	touched := false
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, rkey).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}

		var e models.CacheEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode entry %q: %w", key, err)
		}
		if !e.Metadata.CreatedAt.Equal(createdAt) {
			return nil
		}
		e.Metadata.HitCount++
		e.Metadata.LastAccessedAt = accessedAt
		if data, err = json.Marshal(e); err != nil {
			return fmt.Errorf("encode entry %q: %w", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.SetArgs(ctx, rkey, data, goredis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return err
		}
		touched = true
		return nil
	}, rkey)
	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis touch: %w", err)
	}
	return touched, nil
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes every key under the prefix. Other keys in the database are untouched.
func (s *Storage) Clear(ctx context.Context) error {
	return s.scan(ctx, func(keys []string) error {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		return nil
	})
}

// ListKeys returns every key under the prefix with the prefix removed.
func (s *Storage) ListKeys(ctx context.Context) ([]string, error) {
	var out []string
	err := s.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, s.prefix))
		}
		return nil
	})
	return out, err
}

// Ping checks the connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
