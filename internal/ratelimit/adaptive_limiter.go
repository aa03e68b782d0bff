package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_checks_total",
		Help: "Rate limit decisions by backend and result.",
	}, []string{"backend", "result"})

	primaryErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_backend_errors_total",
		Help: "Errors returned by the shared rate limit backend.",
	})
)

const (
	backendShared   = "redis"
	backendLocal    = "memory"
	backendFallback = "fallback"
)

// AdaptiveLimiter prefers the shared limiter so limits hold across instances.
// While the shared backend is failing, a circuit breaker routes checks to the
// local limiter at half the configured limit.
type AdaptiveLimiter struct {
	primary  Limiter
	fallback Limiter
	breaker  *apperrors.CircuitBreaker
	log      *slog.Logger
}

// NewAdaptiveLimiter builds the limiter. primary may be nil, in which case
// fallback enforces the full limit.
func NewAdaptiveLimiter(primary, fallback Limiter, log *slog.Logger) *AdaptiveLimiter {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "ratelimit"))

	return &AdaptiveLimiter{
		primary:  primary,
		fallback: fallback,
		breaker: apperrors.NewCircuitBreaker(apperrors.BreakerSettings{
			Name:         "ratelimit_redis",
			MinRequests:  5,
			OpenTimeout:  10 * time.Second,
			FailureRatio: 0.5,
			OnStateChange: func(name string, from, to apperrors.State) {
				metrics.SetBreakerState(name, int(to))
				log.Warn("shared limiter breaker changed state",
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
		log: log,
	}
}

// Check evaluates the limit. A rejected request returns ErrLimitExceeded with the result.
func (a *AdaptiveLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	if a.primary == nil {
		return a.decide(a.fallback, backendLocal)(ctx, key, limit, window)
	}

	var (
		result *Result
		denied error
	)
	err := a.breaker.Call(func() error {
		r, err := a.primary.Check(ctx, key, limit, window)
		if err != nil && !errors.Is(err, ErrLimitExceeded) {
			return err
		}
		result, denied = r, err
		return nil
	})
	if err == nil {
		return a.record(backendShared, result, denied)
	}

	if !errors.Is(err, apperrors.ErrCircuitOpen) && !errors.Is(err, apperrors.ErrTooManyProbes) {
		primaryErrorsTotal.Inc()
		a.log.Warn("shared limiter failed, using local limits", slog.String("key", key), slog.Any("error", err))
	}

	return a.decide(a.fallback, backendFallback)(ctx, key, max(limit/2, 1), window)
}

// State reports the position of the shared backend breaker.
func (a *AdaptiveLimiter) State() apperrors.State {
	return a.breaker.State()
}

type checkFunc func(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)

func (a *AdaptiveLimiter) decide(l Limiter, backend string) checkFunc {
	return func(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
		result, err := l.Check(ctx, key, limit, window)
		if err != nil && !errors.Is(err, ErrLimitExceeded) {
			return nil, err
		}
		return a.record(backend, result, err)
	}
}

func (a *AdaptiveLimiter) record(backend string, result *Result, denied error) (*Result, error) {
	if denied != nil || result == nil || !result.Allowed {
		checksTotal.WithLabelValues(backend, "rejected").Inc()
		return result, ErrLimitExceeded
	}

	checksTotal.WithLabelValues(backend, "allowed").Inc()
	return result, nil
}
