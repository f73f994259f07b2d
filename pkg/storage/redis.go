package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 500

// RedisBackend stores entries under a key prefix in Redis.
// The Redis client is owned by the caller; Close does not close it.
type RedisBackend struct {
	redis  *redis.Client
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a backend that prefixes every key with prefix.
func NewRedisBackend(redisClient *redis.Client, prefix string) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{
		redis:  redisClient,
		prefix: prefix,
	}
}

// RedisOpener returns an Opener that scopes each user under base+scope+":".
func RedisOpener(redisClient *redis.Client, base string) Opener {
	return func(ctx context.Context, scope string) (Backend, error) {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return NewRedisBackend(redisClient, base+scope+":"), nil
	}
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.redis.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set implements Backend.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if err := r.redis.Set(ctx, r.prefix+key, value, expiry).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeletePrefix implements Backend.
func (r *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	match := escapeGlob(r.prefix+prefix) + "*"
	total := 0

	var cursor uint64
	for {
		keys, next, err := r.redis.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return total, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.redis.Del(ctx, keys...).Result()
			if err != nil {
				return total, fmt.Errorf("redis del: %w", err)
			}
			total += int(n)
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Scan implements Backend.
func (r *RedisBackend) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	match := escapeGlob(r.prefix+prefix) + "*"

	iter := r.redis.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		value, err := r.redis.Get(ctx, fullKey).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		if err := fn(strings.TrimPrefix(fullKey, r.prefix), value); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	return nil
}

// Drop implements Backend.
func (r *RedisBackend) Drop(ctx context.Context) error {
	_, err := r.DeletePrefix(ctx, "")
	return err
}

// escapeGlob escapes the characters SCAN MATCH treats as glob syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
