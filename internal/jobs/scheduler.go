package jobs

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Proton-105/xo-arena/pkg/config"
)

// Scheduler enqueues the periodic reconcile and sweep tasks. Cron specs are
// evaluated in UTC.
type Scheduler struct {
	inner *asynq.Scheduler
	cfg   config.JobsConfig
	log   *slog.Logger
}

func NewScheduler(redisOpt asynq.RedisConnOpt, cfg config.JobsConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "jobs_scheduler"))

	return &Scheduler{
		inner: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   newAsynqLogger(log),
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if err != nil {
					log.Warn("scheduled task not queued", slog.Any("error", err))
					return
				}
				log.Debug("scheduled task queued", slog.String("task_type", info.Type), slog.String("task_id", info.ID))
			},
		}),
		cfg: cfg,
		log: log,
	}
}

type entry struct {
	spec string
	task *asynq.Task
}

func (s *Scheduler) entries() ([]entry, error) {
	reconcile, err := NewReconcileTask(s.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, err
	}

	return []entry{
		{spec: s.cfg.ReconcileCron, task: reconcile},
		{spec: s.cfg.IdempotencySweep, task: NewSweepTask(TaskTypeIdempotencySweep)},
		{spec: s.cfg.IdempotencySweep, task: NewSweepTask(TaskTypeRateLimitSweep)},
	}, nil
}

// RegisterTasks installs every task with a non-empty cron spec.
func (s *Scheduler) RegisterTasks() error {
	entries, err := s.entries()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		if _, err := s.inner.Register(e.spec, e.task); err != nil {
			return fmt.Errorf("register %s (%q): %w", e.task.Type(), e.spec, err)
		}
		s.log.Info("task registered", slog.String("task_type", e.task.Type()), slog.String("cron", e.spec))
	}

	return nil
}

// Run starts the scheduler in the background.
func (s *Scheduler) Run() {
	s.log.Info("starting")

	go func() {
		if err := s.inner.Run(); err != nil {
			s.log.Error("run failed", slog.Any("error", err))
		}
	}()
}

func (s *Scheduler) Shutdown() {
	s.log.Info("shutting down")
	s.inner.Shutdown()
}
