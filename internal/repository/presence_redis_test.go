package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appredis "github.com/Proton-105/xo-arena/pkg/redis"
)

func setupTestRedis(t *testing.T) (*appredis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return appredis.Wrap(client), mr
}

func readPresence(t *testing.T, mr *miniredis.Miniredis, userID string) *Presence {
	t.Helper()

	if !mr.Exists("presence:" + userID) {
		return nil
	}
	raw, err := mr.Get("presence:" + userID)
	require.NoError(t, err)

	var p Presence
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return &p
}

func TestPresenceRepository_Set(t *testing.T) {
	client, mr := setupTestRedis(t)
	repo := NewPresenceRepository(client, time.Hour)
	ctx := context.Background()

	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Set(ctx, Presence{UserID: "u1", Online: true, Sessions: 2, LastSeen: seen}))

	p := readPresence(t, mr, "u1")
	require.NotNil(t, p)
	assert.True(t, p.Online)
	assert.Equal(t, 2, p.Sessions)
	assert.True(t, seen.Equal(p.LastSeen))
	assert.Equal(t, time.Hour, mr.TTL("presence:u1"))
}

func TestPresenceRepository_Expires(t *testing.T) {
	client, mr := setupTestRedis(t)
	repo := NewPresenceRepository(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, Presence{UserID: "u2", Online: false, LastSeen: time.Now()}))
	mr.FastForward(2 * time.Minute)

	assert.Nil(t, readPresence(t, mr, "u2"))
}
