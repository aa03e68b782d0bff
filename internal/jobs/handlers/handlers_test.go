package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/xo-arena/internal/jobs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReconciler struct {
	limits []int
	err    error
}

func (f *fakeReconciler) ReconcileFailed(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return 2, f.err
}

type countingSweeper struct{ calls int }

func (s *countingSweeper) Cleanup(context.Context) int {
	s.calls++
	return 3
}

func TestReconcileHandler(t *testing.T) {
	task, err := jobs.NewReconcileTask(25)
	require.NoError(t, err)

	tests := []struct {
		name      string
		task      *asynq.Task
		err       error
		wantLimit int
		wantErr   bool
		skipRetry bool
	}{
		{name: "batch from payload", task: task, wantLimit: 25},
		{name: "empty payload uses default", task: asynq.NewTask(jobs.TaskTypeReconcile, nil), wantLimit: defaultBatch},
		{name: "zero batch uses default", task: asynq.NewTask(jobs.TaskTypeReconcile, []byte(`{"batch_size":0}`)), wantLimit: defaultBatch},
		{name: "storage error is retried", task: task, err: errors.New("db down"), wantLimit: 25, wantErr: true},
		{name: "bad payload is not retried", task: asynq.NewTask(jobs.TaskTypeReconcile, []byte("{")), wantErr: true, skipRetry: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			games := &fakeReconciler{err: tc.err}
			err := NewReconcileHandler(games, testLogger()).ProcessTask(context.Background(), tc.task)

			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
			} else {
				require.NoError(t, err)
			}
			if tc.wantLimit > 0 {
				assert.Equal(t, []int{tc.wantLimit}, games.limits)
			} else {
				assert.Empty(t, games.limits)
			}
		})
	}
}

func TestSweepHandler(t *testing.T) {
	sweeper := &countingSweeper{}
	h := NewSweepHandler(sweeper, testLogger())

	require.NoError(t, h.ProcessTask(context.Background(), jobs.NewSweepTask(jobs.TaskTypeIdempotencySweep)))
	assert.Equal(t, 1, sweeper.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.ProcessTask(ctx, jobs.NewSweepTask(jobs.TaskTypeRateLimitSweep)), context.Canceled)
}
