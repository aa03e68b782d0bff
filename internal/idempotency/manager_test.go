package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

type payout struct {
	MatchID string `json:"match_id"`
	Amount  int64  `json:"amount"`
}

func TestManager_ExecutesOnce(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			client, _ := setupTestRedis(t)
			return NewRedisStore(client, testLogger())
		},
	}

	for name, build := range stores {
		build := build
		t.Run(name, func(t *testing.T) {
			m := NewManager(build(t), testLogger())
			ctx := context.Background()

			var calls atomic.Int32
			op := func(context.Context) (any, error) {
				calls.Add(1)
				return payout{MatchID: "m1", Amount: 40}, nil
			}

			first, err := m.Execute(ctx, SettlementKey("m1"), time.Hour, op)
			require.NoError(t, err)
			assert.False(t, first.FromCache)
			assert.Equal(t, payout{MatchID: "m1", Amount: 40}, first.Value)

			second, err := m.Execute(ctx, SettlementKey("m1"), time.Hour, op)
			require.NoError(t, err)
			assert.True(t, second.FromCache)

			var decoded payout
			require.NoError(t, second.Decode(&decoded))
			assert.Equal(t, int64(40), decoded.Amount)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestManager_FailedOperationCanRetry(t *testing.T) {
	m := NewManager(NewMemoryStore(), testLogger())
	ctx := context.Background()
	boom := errors.New("db down")

	_, err := m.Execute(ctx, "k", time.Hour, func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	res, err := m.Execute(ctx, "k", time.Hour, func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.False(t, res.FromCache)
}

func TestManager_ConcurrentCallersRunOnce(t *testing.T) {
	m := NewManager(NewMemoryStore(), testLogger())
	ctx := context.Background()

	var (
		calls      atomic.Int32
		inProgress atomic.Int32
		wg         sync.WaitGroup
	)
	release := make(chan struct{})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Execute(ctx, "k", time.Hour, func(context.Context) (any, error) {
				calls.Add(1)
				<-release
				return 1, nil
			})
			if errors.Is(err, ErrRequestInProgress) {
				inProgress.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return inProgress.Load() == 9 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(9), inProgress.Load())
}

func TestMemoryStore_RecordExpires(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", &Record{Status: StatusCompleted}, time.Minute))
	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	now = now.Add(2 * time.Minute)
	rec, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStore_LockIsOwnedByToken(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := NewRedisStore(client, testLogger())
	ctx := context.Background()

	token, ok, err := store.Lock(ctx, "settlement:m1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.Lock(ctx, "settlement:m1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Second)
	next, ok, err := store.Lock(ctx, "settlement:m1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The first holder's token expired and must not drop the new lock.
	require.NoError(t, store.ReleaseLock(ctx, "settlement:m1", token))
	assert.True(t, mr.Exists(KeyPrefix+"lock:settlement:m1"))

	require.NoError(t, store.ReleaseLock(ctx, "settlement:m1", next))
	assert.False(t, mr.Exists(KeyPrefix+"lock:settlement:m1"))
}

func TestRedisStore_RecordRoundTrip(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := NewRedisStore(client, testLogger())
	ctx := context.Background()

	completed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.Set(ctx, "k", &Record{
		Status:      StatusCompleted,
		Response:    []byte(`{"amount":40}`),
		CompletedAt: completed,
	}, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL(KeyPrefix+"k"))

	rec, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.JSONEq(t, `{"amount":40}`, string(rec.Response))
	assert.True(t, completed.Equal(rec.CompletedAt))

	require.NoError(t, mr.Set(KeyPrefix+"broken", "not json"))
	rec, err = store.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", &Record{Status: StatusCompleted}, time.Minute))
	require.NoError(t, s.Set(ctx, "long", &Record{Status: StatusCompleted}, time.Hour))
	_, ok, err := s.Lock(ctx, "short", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, s.Cleanup(ctx))
	assert.Empty(t, s.locks)
	assert.Len(t, s.records, 1)
}

func TestCleaner_RemovesKeysWithoutExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("idempotency:stale", "x"))
	require.NoError(t, client.Set(ctx, "idempotency:fresh", "x", time.Hour).Err())
	require.NoError(t, client.Set(ctx, "idempotency:long", "x", 48*time.Hour).Err())
	require.NoError(t, mr.Set("unrelated", "x"))

	cleaner := NewCleaner(client, testLogger(), 25*time.Hour)
	assert.Equal(t, 2, cleaner.Cleanup(ctx))

	assert.False(t, mr.Exists("idempotency:stale"))
	assert.False(t, mr.Exists("idempotency:long"))
	assert.True(t, mr.Exists("idempotency:fresh"))
	assert.True(t, mr.Exists("unrelated"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "settlement:m1", SettlementKey("m1"))
	assert.Equal(t, GenerateKey("a", 1), GenerateKey("a", 1))
	assert.NotEqual(t, WebhookKey("stripe", "a"), WebhookKey("stripe", "b"))
}
