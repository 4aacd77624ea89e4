package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amila-ai/amila/pkg/resilience"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings())
	return NewRedisStore(client, breakers, 2*time.Second), mr
}

func TestRedisStore_SetGetDel(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k1", []byte(`{"rows":[]}`), time.Minute))

	val, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"rows":[]}`), val)

	require.NoError(t, store.Del(ctx, "k1"))
	val, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisStore_MissIsNotError(t *testing.T) {
	store, _ := newTestRedisStore(t)

	val, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("v"), 5*time.Minute))
	mr.FastForward(6 * time.Minute)

	val, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisStore_BreakerOpensOnRepeatedFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	settings := resilience.BreakerSettings{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	}
	breakers := resilience.NewBreakerRegistry(settings)
	store := NewRedisStore(client, breakers, time.Second)
	ctx := context.Background()

	mr.Close()
	for i := 0; i < 3; i++ {
		_, err := store.Get(ctx, "k")
		require.Error(t, err)
	}

	_, err := store.Get(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestFallbackStore_ServesLocalWhenPrimaryDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings())
	primary := NewRedisStore(client, breakers, time.Second)
	store := NewFallbackStore(primary, 16, time.Minute, slog.Default())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("cached"), time.Minute))

	mr.Close()
	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), val)
}

func TestFallbackStore_MissWhilePrimaryDownIsSilent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings())
	store := NewFallbackStore(NewRedisStore(client, breakers, time.Second), 16, time.Minute, slog.Default())

	mr.Close()
	val, err := store.Get(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestFallbackStore_WritesSurvivePrimaryFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings())
	store := NewFallbackStore(NewRedisStore(client, breakers, time.Second), 16, time.Minute, slog.Default())
	ctx := context.Background()

	mr.Close()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestFallbackStore_DelRemovesLocalCopy(t *testing.T) {
	store, _ := newTestRedisStore(t)
	fb := NewFallbackStore(store, 16, time.Minute, slog.Default())
	ctx := context.Background()

	require.NoError(t, fb.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, fb.Del(ctx, "k"))

	val, err := fb.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}
