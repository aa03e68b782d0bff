package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Proton-105/xo-arena/pkg/logger"
)

// CorrelationHeader carries the request correlation id over HTTP.
const CorrelationHeader = "X-Correlation-ID"

// Logging assigns a correlation id to every event and logs its handling.
func Logging(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) error {
			if logger.CorrelationIDFromContext(ctx) == "" {
				ctx = logger.WithCorrelationID(ctx, uuid.NewString())
			}

			start := time.Now()
			err := next(ctx, req)

			attrs := []slog.Attr{
				slog.String("event", req.Event.EventName()),
				slog.String("user_id", req.UserID),
				slog.String("session_id", req.SessionID),
				slog.Duration("duration", time.Since(start)),
			}
			level := slog.LevelDebug
			if err != nil {
				level = slog.LevelInfo
				attrs = append(attrs, slog.Any("error", err))
			}
			logger.FromContext(ctx, log).LogAttrs(ctx, level, "handled gateway event", attrs...)

			return err
		}
	}
}

// CorrelationID reuses the inbound correlation header or generates a new id.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Request = c.Request.WithContext(logger.WithCorrelationID(c.Request.Context(), id))
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}

// RequestLogger logs request and response details.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}

		ctx := c.Request.Context()
		logger.FromContext(ctx, log).LogAttrs(ctx, level, "handled http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
