package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. Keys are <prefix>:report:<hex>.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisConfig struct {
	Prefix string
	TTL    time.Duration // 0 = keys never expire
}

// NewRedisStore creates a Redis-backed store. The store owns client and
// closes it on Close.
func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
	}
}

// Get retrieves a report from Redis.
// On Redis error, it returns ("", false, err) so the caller can log and treat it as a miss.
func (s *RedisStore) Get(ctx context.Context, fp Fingerprint) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("context error: %w", err)
	}

	res, err := s.client.Get(ctx, fp.Key(s.prefix)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return res, true, nil
}

// Add uses SETNX so concurrent writers across processes agree on one value.
func (s *RedisStore) Add(ctx context.Context, fp Fingerprint, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return text, fmt.Errorf("context error: %w", err)
	}

	key := fp.Key(s.prefix)
	ok, err := s.client.SetNX(ctx, key, text, s.ttl).Result()
	if err != nil {
		return text, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		return text, nil
	}

	existing, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return text, nil
	}
	if err != nil {
		return text, fmt.Errorf("redis get failed: %w", err)
	}
	return existing, nil
}

// Clear deletes every report key under the prefix. Keys are collected
// before deleting so the scan cursor never runs over a shrinking keyspace.
func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, KeyPattern(s.prefix), clearBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan failed: %w", err)
	}

	removed := 0
	for start := 0; start < len(keys); start += clearBatch {
		end := min(start+clearBatch, len(keys))
		n, err := s.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del failed: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// clearBatch is the SCAN count hint and the DEL batch size.
const clearBatch = 100

// Len counts report keys under the prefix.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, KeyPattern(s.prefix), 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("redis scan failed: %w", err)
	}
	return n, nil
}

// Ping checks if Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
