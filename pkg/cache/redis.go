package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amila-ai/amila/pkg/resilience"
)

// breakerName gates all remote cache calls through one named breaker.
const breakerName = "cache"

// RedisStore implements Store on a Redis client. Every call is bounded by
// opTimeout and passes through the shared breaker registry, so a flapping
// Redis fails fast instead of stalling query execution.
type RedisStore struct {
	client    *redis.Client
	breakers  *resilience.BreakerRegistry
	opTimeout time.Duration
}

// NewRedisStore creates a breaker-gated Redis store.
func NewRedisStore(client *redis.Client, breakers *resilience.BreakerRegistry, opTimeout time.Duration) *RedisStore {
	return &RedisStore{client: client, breakers: breakers, opTimeout: opTimeout}
}

// Get fetches a key. Misses return (nil, nil).
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.breakers.Execute(breakerName, func() (any, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		val, err := s.client.Get(opCtx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return []byte(nil), nil
		}
		return val, err
	})
	if err != nil {
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}
	b, _ := out.([]byte)
	return b, nil
}

// Set writes a key with a TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.breakers.Execute(breakerName, func() (any, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return nil, s.client.Set(opCtx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Del removes a key.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	_, err := s.breakers.Execute(breakerName, func() (any, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return nil, s.client.Del(opCtx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("cache del %q: %w", key, err)
	}
	return nil
}

// Ping verifies connectivity, bypassing the breaker so health checks can
// observe recovery while the breaker is still open.
func (s *RedisStore) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(opCtx).Err()
}
