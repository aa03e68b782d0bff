package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/ratelimit"
)

// RateLimit enforces the per-user and per-event limits on inbound events.
// Limiter failures let the event through.
func RateLimit(limiter ratelimit.Limiter, rules *ratelimit.Rules, log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}

	return func(next Handler) Handler {
		if limiter == nil || !rules.Enabled() {
			return next
		}

		return func(ctx context.Context, req Request) error {
			if rules.IsWhitelisted(req.UserID) {
				return next(ctx, req)
			}

			if limit, window, err := rules.GetPerUserLimit(); err == nil {
				if err := check(ctx, limiter, "user:"+req.UserID, limit, window, log); err != nil {
					return err
				}
			}

			name := req.Event.EventName()
			if limit, window, err := rules.GetEventLimit(name); err == nil {
				if err := check(ctx, limiter, "event:"+name+":"+req.UserID, limit, window, log); err != nil {
					return err
				}
			}

			return next(ctx, req)
		}
	}
}

func check(ctx context.Context, limiter ratelimit.Limiter, key string, limit int, window time.Duration, log *slog.Logger) error {
	result, err := limiter.Check(ctx, key, limit, window)
	switch {
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		log.Warn("rate limit exceeded", slog.String("key", key))
		return apperrors.NewRateLimitError(result.RetryAfter(time.Now()))
	case err != nil:
		log.Warn("rate limiter error", slog.String("key", key), slog.Any("error", err))
	}
	return nil
}
