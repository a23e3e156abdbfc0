package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-hr/odyssey-payroll/internal/jobs"
	"github.com/odyssey-hr/odyssey-payroll/internal/payroll"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// PeriodComputer is the payroll behaviour the job needs.
type PeriodComputer interface {
	ComputePeriod(ctx context.Context, actor shared.Actor, periodID int64) (payroll.RunReport, error)
}

// ComputePeriodJob runs ComputePeriod in the worker.
type ComputePeriodJob struct {
	Service PeriodComputer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewComputePeriodJob constructs the job handler.
func NewComputePeriodJob(service PeriodComputer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ComputePeriodJob {
	return &ComputePeriodJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one period computation. Business rejections are not retried; a run
// already in progress is retried later.
func (j *ComputePeriodJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("compute period: dependencies not configured")
	}
	var payload ComputePeriodPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	actor := shared.Actor{UserID: payload.UserID, CompanyID: payload.CompanyID}
	if payload.PeriodID <= 0 || !actor.Valid() {
		return fmt.Errorf("compute period: invalid payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskPayrollComputePeriod)
	report, err := j.Service.ComputePeriod(ctx, actor, payload.PeriodID)
	if err := tracker.End(err); err != nil {
		j.log().Error("compute period failed", slog.Int64("period_id", payload.PeriodID), slog.Any("error", err))
		if errors.Is(err, payroll.ErrRunInProgress) || errors.Is(err, shared.ErrConcurrentUpdate) {
			return err
		}
		if errors.Is(err, payroll.ErrPeriodNotComputable) || errors.Is(err, shared.ErrInvalidTransition) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	j.log().Info("compute period finished",
		slog.Int64("period_id", payload.PeriodID),
		slog.String("run_id", report.RunID.String()),
		slog.Int("success", report.SuccessCount),
		slog.Int("failures", len(report.Failures)))
	return nil
}

func (j *ComputePeriodJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// EnqueueComputePeriod schedules a period computation.
func (c *Client) EnqueueComputePeriod(ctx context.Context, actor shared.Actor, periodID int64) (*asynq.TaskInfo, error) {
	task, err := NewComputePeriodTask(ComputePeriodPayload{PeriodID: periodID, UserID: actor.UserID, CompanyID: actor.CompanyID})
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}
