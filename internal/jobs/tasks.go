package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeReconcile        = "settlement:reconcile"
	TaskTypeIdempotencySweep = "idempotency:sweep"
	TaskTypeRateLimitSweep   = "ratelimit:sweep"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues are the queue priorities served by the worker.
var Queues = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

// unique keeps at most one pending reconcile task in the queue.
const unique = 5 * time.Minute

type ReconcilePayload struct {
	BatchSize int `json:"batch_size"`
}

// NewReconcileTask builds a task that retries failed settlements.
func NewReconcileTask(batchSize int) (*asynq.Task, error) {
	payload, err := json.Marshal(ReconcilePayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskTypeReconcile, payload, asynq.Queue(QueueCritical), asynq.Unique(unique)), nil
}

// NewSweepTask builds a housekeeping task of the given type. It carries no payload.
func NewSweepTask(taskType string) *asynq.Task {
	return asynq.NewTask(taskType, nil, asynq.Queue(QueueLow), asynq.MaxRetry(1))
}
