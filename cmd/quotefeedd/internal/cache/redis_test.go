package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/cache"
)

func newRedisStore(t *testing.T) (*cache.Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewRedis(rdb), mr
}

func TestRedis_SetGet(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(b))
}

func TestRedis_TTLExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "expired key should read as absent")
}

func TestRedis_Delete(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, store.Delete(ctx, "k"))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFallback_DegradesToLocalStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	local := cache.NewMemory()
	store := cache.NewFallback(cache.NewRedis(rdb), local, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	// Kill Redis; reads must keep working from the local copy
	mr.Close()

	b, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "fallback should serve the local copy")
	require.Equal(t, "v", string(b))

	// Writes must also survive the outage
	require.NoError(t, store.Set(ctx, "k2", []byte("v2"), time.Minute))
	b, ok, err = store.Get(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(b))
}
