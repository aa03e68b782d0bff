package handlers

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Sweeper removes stale keys and reports how many it deleted.
type Sweeper interface {
	Cleanup(ctx context.Context) int
}

type SweepHandler struct {
	sweeper Sweeper
	log     *slog.Logger
}

func NewSweepHandler(sweeper Sweeper, log *slog.Logger) *SweepHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SweepHandler{sweeper: sweeper, log: log}
}

func (h *SweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	deleted := h.sweeper.Cleanup(ctx)
	h.log.DebugContext(ctx, "sweep finished", slog.String("task_type", t.Type()), slog.Int("deleted", deleted))
	return ctx.Err()
}
