package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

// Metrics measures execution time and status of event handlers.
func Metrics() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) error {
			start := time.Now()
			err := next(ctx, req)
			metrics.RecordGatewayEvent(req.Event.EventName(), statusLabel(err), time.Since(start))
			return err
		}
	}
}

// HTTPMetrics records request counts and latency per route template.
func HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		metrics.RecordError(string(appErr.Kind), string(appErr.Severity))
		return appErr.Code
	}

	metrics.RecordError(string(apperrors.KindInternal), string(apperrors.SeverityHigh))
	return apperrors.CodeInternal
}
