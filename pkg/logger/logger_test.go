package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskingHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewMaskingHandler(slog.NewJSONHandler(&buf, nil)))

	log.Info("payment webhook",
		slog.String("signature", "abc123"),
		slog.String("user_id", "alice"),
		slog.Group("db", slog.String("password", "hunter2"), slog.String("host", "db")),
	)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "***", record["signature"])
	assert.Equal(t, "alice", record["user_id"])
	db, ok := record["db"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "***", db["password"])
	assert.Equal(t, "db", db["host"])
}

func TestMaskingHandler_BoundAttrsAndSuffixes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewMaskingHandler(slog.NewJSONHandler(&buf, nil))).
		With(slog.String("Bot_Token", "123:abc"), slog.String("component", "alert"))

	log.Info("sent", slog.String("webhook_secret", "s3cr3t"), slog.Any("chat", slog.GroupValue(slog.String("api_key", "k"))))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "***", record["Bot_Token"])
	assert.Equal(t, "alert", record["component"])
	assert.Equal(t, "***", record["webhook_secret"])
	chat, ok := record["chat"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "***", chat["api_key"])
}

func TestFanoutHandler(t *testing.T) {
	var all, errorsOnly bytes.Buffer
	log := slog.New(NewFanoutHandler(
		slog.NewTextHandler(&all, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorsOnly, &slog.HandlerOptions{Level: slog.LevelError}),
	)).With(slog.String("component", "test"))

	log.Debug("noise")
	log.Error("boom")

	assert.Contains(t, all.String(), "noise")
	assert.Contains(t, all.String(), "boom")
	assert.NotContains(t, errorsOnly.String(), "noise")
	assert.Contains(t, errorsOnly.String(), "component=test")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}

	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "req-1")
	assert.Equal(t, "req-1", CorrelationIDFromContext(ctx))
	assert.Empty(t, CorrelationIDFromContext(context.Background()))

	var buf bytes.Buffer
	FromContext(ctx, slog.New(slog.NewTextHandler(&buf, nil))).Info("hello")
	assert.Contains(t, buf.String(), "correlation_id=req-1")
}
