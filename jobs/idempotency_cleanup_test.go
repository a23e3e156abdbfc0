package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-hr/odyssey-payroll/internal/jobs"
)

type cleanerFunc func(ctx context.Context, olderThan time.Duration) error

func (f cleanerFunc) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := f(ctx, olderThan); err != nil {
		return 0, err
	}
	return 3, nil
}

func TestIdempotencyCleanupUsesPayloadRetention(t *testing.T) {
	var got time.Duration
	reg := prometheus.NewRegistry()
	job := NewIdempotencyCleanupJob(cleanerFunc(func(_ context.Context, olderThan time.Duration) error {
		got = olderThan
		return nil
	}), nil, jobmetrics.NewMetrics(reg))

	task, err := NewIdempotencyCleanupTask(24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, TaskIdempotencyCleanup, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 24*time.Hour, got)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, DefaultIdempotencyRetention, got)

	count, err := testutil.GatherAndCount(reg, "odyssey_jobs_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	count, err = testutil.GatherAndCount(reg, "odyssey_idempotency_keys_purged_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestIdempotencyCleanupPropagatesFailure(t *testing.T) {
	boom := errors.New("db down")
	job := NewIdempotencyCleanupJob(cleanerFunc(func(context.Context, time.Duration) error { return boom }), nil, nil)
	require.ErrorIs(t, job.Handle(context.Background(), nil), boom)

	err := job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
