package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// FallbackStore layers a bounded in-process LRU under a primary store.
// Writes go to both; reads prefer the primary and fall back to the LRU
// when the primary errors (breaker open, Redis down). A read miss is
// never an error, so callers degrade to recomputation silently.
type FallbackStore struct {
	primary Store
	local   *expirable.LRU[string, []byte]
	logger  *slog.Logger
}

// NewFallbackStore wraps primary with an LRU of the given size. All local
// entries share localTTL; per-key TTLs only apply to the primary.
func NewFallbackStore(primary Store, size int, localTTL time.Duration, logger *slog.Logger) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		local:   expirable.NewLRU[string, []byte](size, nil, localTTL),
		logger:  logger,
	}
}

func (s *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.primary.Get(ctx, key)
	if err == nil {
		return val, nil
	}
	s.logger.Warn("Primary cache read failed, using local fallback", "key", key, "error", err)
	if local, ok := s.local.Get(key); ok {
		return local, nil
	}
	return nil, nil
}

func (s *FallbackStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.local.Add(key, value)
	if err := s.primary.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("Primary cache write failed", "key", key, "error", err)
	}
	return nil
}

func (s *FallbackStore) Del(ctx context.Context, key string) error {
	s.local.Remove(key)
	if err := s.primary.Del(ctx, key); err != nil {
		s.logger.Warn("Primary cache delete failed", "key", key, "error", err)
	}
	return nil
}

func (s *FallbackStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}
