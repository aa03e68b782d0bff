package usercache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/xo-arena/internal/domain"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestCache_SetGetInvalidate(t *testing.T) {
	client, mr := setupTestRedis(t)
	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &domain.User{
		ID:       "u1",
		Username: "neo",
		Balance:  500,
		Status:   domain.UserStatusActive,
		IsAdmin:  true,
	}))
	assert.Equal(t, time.Minute, mr.TTL("user:u1"))

	cached, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "neo", cached.Username)
	assert.Equal(t, domain.UserStatusActive, cached.Status)
	assert.True(t, cached.IsAdmin)
	assert.Zero(t, cached.Balance)

	require.NoError(t, cache.Invalidate(ctx, "u1"))
	cached, err = cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestCache_MissingEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.SetMissing(ctx, "ghost"))
	_, err := cache.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknown)

	mr.FastForward(missingTTL)
	u, err := cache.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, u)

	require.NoError(t, cache.SetMissing(ctx, "late"))
	require.NoError(t, cache.Set(ctx, &domain.User{ID: "late", Username: "trinity"}))
	u, err = cache.Get(ctx, "late")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "trinity", u.Username)
}

func TestCache_NilIsNoop(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	assert.NoError(t, cache.Set(ctx, &domain.User{ID: "u1"}))
	assert.NoError(t, cache.SetMissing(ctx, "u1"))
	u, err := cache.Get(ctx, "u1")
	assert.NoError(t, err)
	assert.Nil(t, u)
	assert.NoError(t, NewCache(nil, 0).Invalidate(ctx, "u1"))
}
