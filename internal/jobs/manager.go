// Package jobs schedules and processes background maintenance tasks on asynq.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Queue submits maintenance work from request paths and startup.
type Queue struct {
	client *asynq.Client
	log    *slog.Logger
}

// NewQueue builds a Queue backed by an asynq client.
func NewQueue(redisOpt asynq.RedisConnOpt, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}

	return &Queue{
		client: asynq.NewClient(redisOpt),
		log:    log.With(slog.String("component", "jobs")),
	}
}

// RequestReconcile queues a pass over failed settlements. It reports false
// when an identical pass is already pending.
func (q *Queue) RequestReconcile(ctx context.Context, batchSize int) (bool, error) {
	task, err := NewReconcileTask(batchSize)
	if err != nil {
		return false, err
	}
	return q.enqueue(ctx, task)
}

func (q *Queue) enqueue(ctx context.Context, task *asynq.Task) (bool, error) {
	info, err := q.client.EnqueueContext(ctx, task)
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask), errors.Is(err, asynq.ErrTaskIDConflict):
		q.log.DebugContext(ctx, "task already pending", slog.String("task_type", task.Type()))
		return false, nil
	case err != nil:
		return false, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}

	q.log.DebugContext(ctx, "task queued",
		slog.String("task_type", task.Type()),
		slog.String("task_id", info.ID),
		slog.String("queue", info.Queue),
	)
	return true, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
