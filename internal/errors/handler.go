package errors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/getsentry/sentry-go"

	"github.com/Proton-105/xo-arena/pkg/logger"
)

const genericUserMessage = "Something went wrong. Please try again later"

// Handler turns errors raised by operations into client reports. It is shared
// by the gateway and the HTTP API.
type Handler struct {
	log           *slog.Logger
	sentryEnabled bool
}

func NewHandler(log *slog.Logger, sentryEnabled bool) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, sentryEnabled: sentryEnabled}
}

// Report describes how an error should be presented to a client.
type Report struct {
	Code        string
	Kind        Kind
	UserMessage string
	Retryable   bool
}

// Handle logs err at a level derived from its severity, forwards high and
// critical errors to Sentry and returns the client facing report. Errors that
// are not *AppError are reported as INTERNAL without leaking their text.
func (h *Handler) Handle(ctx context.Context, err error) Report {
	if err == nil {
		return Report{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	appErr, known := classify(err)

	attrs := []slog.Attr{
		slog.String("code", appErr.Code),
		slog.String("kind", string(appErr.Kind)),
		slog.String("severity", string(appErr.Severity)),
		slog.Bool("retryable", appErr.Retryable),
		slog.String("error", err.Error()),
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}

	msg := "application error"
	if !known {
		msg = "unexpected error"
	}
	h.log.LogAttrs(ctx, levelFor(appErr.Severity), msg, attrs...)

	if h.sentryEnabled && severe(appErr.Severity) {
		h.capture(ctx, appErr, err)
	}

	userMessage := appErr.UserMessage
	if userMessage == "" {
		userMessage = genericUserMessage
	}

	return Report{
		Code:        appErr.Code,
		Kind:        appErr.Kind,
		UserMessage: userMessage,
		Retryable:   appErr.Retryable,
	}
}

func classify(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr, true
	}
	return &AppError{
		Code:     CodeInternal,
		Kind:     KindInternal,
		Message:  err.Error(),
		Severity: SeverityHigh,
	}, false
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityLow:
		return slog.LevelInfo
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func severe(s Severity) bool {
	return s == SeverityHigh || s == SeverityCritical
}

func (h *Handler) capture(ctx context.Context, appErr *AppError, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}

	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("code", appErr.Code)
		scope.SetTag("kind", string(appErr.Kind))
		scope.SetTag("severity", string(appErr.Severity))
		if id := logger.CorrelationIDFromContext(ctx); id != "" {
			scope.SetTag("correlation_id", id)
		}
		if appErr.Severity == SeverityCritical {
			scope.SetLevel(sentry.LevelFatal)
		}
		scope.SetFingerprint([]string{"{{ default }}", appErr.Code})
		hub.CaptureException(err)
	})
}
