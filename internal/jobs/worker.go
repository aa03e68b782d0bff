package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Proton-105/xo-arena/pkg/logger"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

// Worker processes queued tasks until Shutdown.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *slog.Logger
}

// NewWorker constructs a Worker serving Queues with the given concurrency.
func NewWorker(redisOpt asynq.RedisConnOpt, concurrency int, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "jobs_worker"))
	if concurrency <= 0 {
		concurrency = 5
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Queues:         Queues,
		Concurrency:    concurrency,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			level := slog.LevelWarn
			if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
				level = slog.LevelError
			}
			log.Log(ctx, level, "task failed",
				slog.String("task_type", task.Type()),
				slog.Int("retried", retried),
				slog.Int("max_retry", maxRetry),
				slog.Any("error", err),
			)
		}),
		Logger: newAsynqLogger(log),
	})

	mux := asynq.NewServeMux()
	mux.Use(instrument(log))

	return &Worker{server: server, mux: mux, log: log}
}

// RegisterHandler wires a task type to handler.
func (w *Worker) RegisterHandler(taskType string, handler asynq.Handler) {
	w.mux.Handle(taskType, handler)
}

// Run starts processing and returns once the server is up.
func (w *Worker) Run() error {
	w.log.Info("starting")
	return w.server.Start(w.mux)
}

// Shutdown waits for in-flight tasks and stops the worker.
func (w *Worker) Shutdown() {
	w.log.Info("shutting down")
	w.server.Shutdown()
}

// instrument tags every task context with its id as correlation id and
// records the outcome.
func instrument(log *slog.Logger) asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
			if id, ok := asynq.GetTaskID(ctx); ok {
				ctx = logger.WithCorrelationID(ctx, id)
			}

			start := time.Now()
			err := next.ProcessTask(ctx, task)
			elapsed := time.Since(start)

			result := "ok"
			if err != nil {
				result = "error"
			}
			metrics.RecordJob(task.Type(), result, elapsed)
			logger.FromContext(ctx, log).DebugContext(ctx, "task processed",
				slog.String("task_type", task.Type()),
				slog.String("result", result),
				slog.Duration("elapsed", elapsed),
			)
			return err
		})
	}
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	log *slog.Logger
}

func newAsynqLogger(log *slog.Logger) asynqLogger {
	return asynqLogger{log: log.With(slog.String("source", "asynq"))}
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(sprint(args)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(sprint(args)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(sprint(args)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(sprint(args)) }

// Fatal matches the asynq contract of terminating the process.
func (l asynqLogger) Fatal(args ...interface{}) {
	l.log.Error(sprint(args), slog.Bool("fatal", true))
	os.Exit(1)
}

func sprint(args []interface{}) string {
	return fmt.Sprint(args...)
}
