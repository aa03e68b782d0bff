package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/pkg/config"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisLimiter_AllowsWithinLimit(t *testing.T) {
	_, client := setupTestRedis(t)
	limiter := NewRedisLimiter(client, testLogger())

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(context.Background(), "test:allows", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, 4-i, result.Remaining)
	}
}

func TestRedisLimiter_BlocksWhenExceeded(t *testing.T) {
	_, client := setupTestRedis(t)
	limiter := NewRedisLimiter(client, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := limiter.Check(ctx, "test:blocks", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(ctx, "test:blocks", 2, time.Minute)
		assert.ErrorIs(t, err, ErrLimitExceeded)
		assert.False(t, result.Allowed)
	}

	count, err := client.ZCard(ctx, keyPrefix+"test:blocks").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisLimiter_SlidingWindow(t *testing.T) {
	_, client := setupTestRedis(t)
	limiter := NewRedisLimiter(client, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Check(ctx, "test:window", 2, 200*time.Millisecond)
		require.NoError(t, err)
	}

	time.Sleep(300 * time.Millisecond)

	result, err := limiter.Check(ctx, "test:window", 2, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	limiter := NewMemoryLimiter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, "u1", 3, time.Second)
		require.NoError(t, err)
	}

	result, err := limiter.Check(ctx, "u1", 3, time.Second)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, 1, result.RetryAfter(now))

	_, err = limiter.Check(ctx, "u2", 3, time.Second)
	assert.NoError(t, err, "keys are independent")

	now = now.Add(1100 * time.Millisecond)
	_, err = limiter.Check(ctx, "u1", 3, time.Second)
	assert.NoError(t, err)

	now = now.Add(time.Hour)
	assert.Equal(t, 2, limiter.Cleanup(time.Minute))
}

type failingLimiter struct{}

func (failingLimiter) Check(context.Context, string, int, time.Duration) (*Result, error) {
	return nil, errors.New("connection refused")
}

func TestAdaptiveLimiter_FallsBackAtHalfLimit(t *testing.T) {
	limiter := NewAdaptiveLimiter(failingLimiter{}, NewMemoryLimiter(), testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Check(ctx, "u1", 4, time.Minute)
		require.NoError(t, err)
	}

	_, err := limiter.Check(ctx, "u1", 4, time.Minute)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

type countingLimiter struct {
	calls int
	err   error
}

func (l *countingLimiter) Check(context.Context, string, int, time.Duration) (*Result, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &Result{Allowed: true, Remaining: 1}, nil
}

func TestAdaptiveLimiter_BreakerSkipsFailingBackend(t *testing.T) {
	primary := &countingLimiter{err: errors.New("connection refused")}
	limiter := NewAdaptiveLimiter(primary, NewMemoryLimiter(), testLogger())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := limiter.Check(ctx, "u1", 100, time.Minute)
		require.NoError(t, err)
	}

	assert.Equal(t, apperrors.StateOpen, limiter.State())
	assert.Equal(t, 5, primary.calls)
}

func TestAdaptiveLimiter_PrimaryRejection(t *testing.T) {
	_, client := setupTestRedis(t)
	limiter := NewAdaptiveLimiter(NewRedisLimiter(client, testLogger()), NewMemoryLimiter(), testLogger())
	ctx := context.Background()

	_, err := limiter.Check(ctx, "u1", 1, time.Minute)
	require.NoError(t, err)
	_, err = limiter.Check(ctx, "u1", 1, time.Minute)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, apperrors.StateClosed, limiter.State())
}

func TestAdaptiveLimiter_MemoryOnly(t *testing.T) {
	limiter := NewAdaptiveLimiter(nil, NewMemoryLimiter(), testLogger())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := limiter.Check(ctx, "u1", 4, time.Minute)
		require.NoError(t, err)
	}
	_, err := limiter.Check(ctx, "u1", 4, time.Minute)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestCleaner_RemovesStaleKeys(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, client.ZAdd(ctx, keyPrefix+"old", redis.Z{Score: float64(stale), Member: "a"}).Err())
	_, err := NewRedisLimiter(client, testLogger()).Check(ctx, "fresh", 5, time.Minute)
	require.NoError(t, err)

	cleaner := NewCleaner(client, testLogger(), 5*time.Minute)
	assert.Equal(t, 1, cleaner.Cleanup(ctx))

	exists, err := client.Exists(ctx, keyPrefix+"old", keyPrefix+"fresh").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestRules(t *testing.T) {
	rules := NewRules(config.RateLimitConfig{
		Enabled: true,
		PerUser: config.RateLimitRule{Limit: 30, Window: "1s"},
		Events: config.RateLimitEvents{
			Move:        config.RateLimitRule{Limit: 5, Window: "1s"},
			CreateMatch: config.RateLimitRule{Limit: 10, Window: "1m"},
		},
		Whitelist: []string{"admin"},
	})

	assert.True(t, rules.Enabled())
	assert.True(t, rules.IsWhitelisted("admin"))
	assert.False(t, rules.IsWhitelisted("alice"))

	limit, window, err := rules.GetEventLimit("move")
	require.NoError(t, err)
	assert.Equal(t, 5, limit)
	assert.Equal(t, time.Second, window)

	limit, window, err = rules.GetEventLimit("create_match")
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
	assert.Equal(t, time.Minute, window)

	_, _, err = rules.GetEventLimit("decline_invite")
	assert.ErrorIs(t, err, ErrNoRule)

	limit, _, err = rules.GetPerUserLimit()
	require.NoError(t, err)
	assert.Equal(t, 30, limit)

	_, _, err = rules.GetGlobalLimit()
	assert.Error(t, err)
}
