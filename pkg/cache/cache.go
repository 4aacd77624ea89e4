// Package cache provides the short-lived KV store used for result caching
// and reference indirection: a Redis-backed store gated by a circuit
// breaker, degrading to a bounded in-process LRU when Redis is unreachable.
package cache

import (
	"context"
	"time"
)

// Store is the narrow KV surface the result store depends on.
// Get returns (nil, nil) on a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
