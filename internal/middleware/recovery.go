package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/pkg/logger"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

// ErrPanic is returned in place of a recovered panic.
var ErrPanic = &apperrors.AppError{
	Code:        apperrors.CodeInternal,
	Kind:        apperrors.KindInternal,
	Message:     "event handler panicked",
	UserMessage: "Something went wrong. Please try again later",
	Severity:    apperrors.SeverityCritical,
}

// Recovery converts panics in event handlers into ErrPanic.
func Recovery(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.FromContext(ctx, log).Error("panic in event handler",
						slog.String("event", req.Event.EventName()),
						slog.String("user_id", req.UserID),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					metrics.RecordError(string(apperrors.KindInternal), string(apperrors.SeverityCritical))
					err = apperrors.Wrap(ErrPanic, fmt.Errorf("%v", r))
				}
			}()

			return next(ctx, req)
		}
	}
}
