package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/event"
	"github.com/Proton-105/xo-arena/internal/idempotency"
	"github.com/Proton-105/xo-arena/internal/ratelimit"
	"github.com/Proton-105/xo-arena/pkg/config"
	"github.com/Proton-105/xo-arena/pkg/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func moveRequest(userID string) Request {
	cell := 4
	return Request{UserID: userID, SessionID: "s1", Event: event.Move{MatchID: "m1", CellIndex: &cell}}
}

func TestChain_Order(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req Request) error {
				trace = append(trace, name)
				return next(ctx, req)
			}
		}
	}

	h := Chain(func(context.Context, Request) error {
		trace = append(trace, "handler")
		return nil
	}, mark("outer"), nil, mark("inner"))

	require.NoError(t, h(context.Background(), moveRequest("alice")))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestRecovery(t *testing.T) {
	h := Chain(func(context.Context, Request) error {
		panic("boom")
	}, Recovery(testLogger()))

	err := h(context.Background(), moveRequest("alice"))
	assert.ErrorIs(t, err, ErrPanic)
}

func TestLogging_AssignsCorrelationID(t *testing.T) {
	var seen string
	h := Chain(func(ctx context.Context, _ Request) error {
		seen = logger.CorrelationIDFromContext(ctx)
		return nil
	}, Logging(testLogger()), Metrics())

	require.NoError(t, h(context.Background(), moveRequest("alice")))
	assert.NotEmpty(t, seen)
}

func TestRateLimit(t *testing.T) {
	rules := ratelimit.NewRules(config.RateLimitConfig{
		Enabled: true,
		PerUser: config.RateLimitRule{Limit: 100, Window: "1m"},
		Events: config.RateLimitEvents{
			Move: config.RateLimitRule{Limit: 2, Window: "1m"},
		},
		Whitelist: []string{"admin"},
	})
	limiter := ratelimit.NewAdaptiveLimiter(nil, ratelimit.NewMemoryLimiter(), testLogger())

	var calls atomic.Int32
	h := Chain(func(context.Context, Request) error {
		calls.Add(1)
		return nil
	}, RateLimit(limiter, rules, testLogger()))

	ctx := context.Background()
	require.NoError(t, h(ctx, moveRequest("alice")))
	require.NoError(t, h(ctx, moveRequest("alice")))

	err := h(ctx, moveRequest("alice"))
	assert.ErrorIs(t, err, apperrors.NewRateLimitError(0))

	require.NoError(t, h(ctx, moveRequest("bob")))
	for i := 0; i < 5; i++ {
		require.NoError(t, h(ctx, moveRequest("admin")))
	}
	assert.Equal(t, int32(8), calls.Load())
}

func TestRateLimit_Disabled(t *testing.T) {
	rules := ratelimit.NewRules(config.RateLimitConfig{Enabled: false})

	var calls int
	h := Chain(func(context.Context, Request) error {
		calls++
		return nil
	}, RateLimit(ratelimit.NewMemoryLimiter(), rules, testLogger()))

	for i := 0; i < 10; i++ {
		require.NoError(t, h(context.Background(), moveRequest("alice")))
	}
	assert.Equal(t, 10, calls)
}

func TestIdempotency_ReplaysResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)

	manager := idempotency.NewManager(idempotency.NewMemoryStore(), testLogger())
	var calls atomic.Int32

	router := gin.New()
	router.Use(CorrelationID(), RequestLogger(testLogger()), HTTPMetrics())
	router.POST("/admin/op", Idempotency(manager, time.Hour, testLogger()), func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(http.StatusCreated, gin.H{"call": n})
	})
	router.POST("/fail", Idempotency(manager, time.Hour, testLogger()), func(c *gin.Context) {
		calls.Add(1)
		c.AbortWithError(http.StatusInternalServerError, errors.New("boom"))
	})

	send := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send("/admin/op", "k1")
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.NotEmpty(t, first.Header().Get(CorrelationHeader))

	second := send("/admin/op", "k1")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), calls.Load())

	send("/admin/op", "")
	assert.Equal(t, int32(2), calls.Load())

	send("/fail", "k2")
	send("/fail", "k2")
	assert.Equal(t, int32(4), calls.Load())
}
