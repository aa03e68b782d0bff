package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Proton-105/xo-arena/internal/idempotency"
)

// IdempotencyHeader names the client-chosen key of a mutating request.
const IdempotencyHeader = "Idempotency-Key"

type storedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the stored response of a request whose Idempotency-Key
// already completed. Requests without the header pass through; 5xx responses are not stored.
func Idempotency(manager idempotency.Manager, ttl time.Duration, log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if manager == nil || key == "" {
			c.Next()
			return
		}

		scoped := idempotency.GenerateKey("http", c.Request.Method, c.FullPath(), key)
		writer := &recordingWriter{ResponseWriter: c.Writer}

		result, err := manager.Execute(c.Request.Context(), scoped, ttl, func(context.Context) (any, error) {
			c.Writer = writer
			c.Next()

			status := writer.Status()
			if status >= http.StatusInternalServerError {
				return nil, fmt.Errorf("handler responded %d", status)
			}
			return storedResponse{Status: status, Body: writer.body.Bytes()}, nil
		})

		switch {
		case errors.Is(err, idempotency.ErrRequestInProgress):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "request with this idempotency key is in progress"})
		case err != nil:
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			log.Warn("idempotent request not stored", slog.String("key", scoped), slog.Any("error", err))
		case result.FromCache:
			var stored storedResponse
			if err := result.Decode(&stored); err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.Header("Idempotent-Replayed", "true")
			c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
			c.Abort()
		}
	}
}
