// Package handlers processes the tasks defined in package jobs.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/Proton-105/xo-arena/internal/jobs"
)

const defaultBatch = 100

// Reconciler retries settlements that previously failed.
type Reconciler interface {
	ReconcileFailed(ctx context.Context, limit int) (int, error)
}

type ReconcileHandler struct {
	games Reconciler
	log   *slog.Logger
}

func NewReconcileHandler(games Reconciler, log *slog.Logger) *ReconcileHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileHandler{games: games, log: log}
}

func (h *ReconcileHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload := jobs.ReconcilePayload{BatchSize: defaultBatch}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			h.log.ErrorContext(ctx, "reconcile: failed to decode payload", slog.String("task_type", t.Type()), slog.Any("error", err))
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = defaultBatch
	}

	settled, err := h.games.ReconcileFailed(ctx, payload.BatchSize)
	if err != nil {
		return fmt.Errorf("reconcile failed settlements: %w", err)
	}

	if settled > 0 {
		h.log.InfoContext(ctx, "reconcile: settlements recovered", slog.Int("settled", settled))
	}
	return nil
}
