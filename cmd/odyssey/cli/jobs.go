package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
	"github.com/odyssey-hr/odyssey-payroll/jobs"
)

// JobsCLI enqueues payroll tasks by hand and inspects their queues.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI connects a client and an inspector to Redis.
func NewJobsCLI(redisOpts asynq.RedisClientOpt) (*JobsCLI, error) {
	if redisOpts.Addr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	client := asynq.NewClient(redisOpts)
	inspector := asynq.NewInspector(redisOpts)
	return &JobsCLI{client: client, inspector: inspector}, nil
}

func (c *JobsCLI) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// TriggerOptions carries the payload of a manually triggered job.
type TriggerOptions struct {
	PeriodID int64
	Actor    shared.Actor
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := BuildTask(name, opts)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// BuildTask prepares the task for a supported job name.
func BuildTask(name string, opts TriggerOptions) (*asynq.Task, error) {
	switch name {
	case jobs.TaskLedgerReconcile:
		return jobs.NewLedgerReconcileTask(), nil
	case jobs.TaskIdempotencyCleanup:
		return jobs.NewIdempotencyCleanupTask(jobs.DefaultIdempotencyRetention)
	case jobs.TaskPayrollComputePeriod:
		if opts.PeriodID <= 0 || !opts.Actor.Valid() {
			return nil, errors.New("jobs cli: compute requires --period, --user and --company")
		}
		return jobs.NewComputePeriodTask(jobs.ComputePeriodPayload{
			PeriodID:  opts.PeriodID,
			UserID:    opts.Actor.UserID,
			CompanyID: opts.Actor.CompanyID,
		})
	}
	return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
}

// QueueStats summarises one queue for operators.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Paused    bool   `json:"paused"`
}

// InspectQueue reports the state of queue, defaulting to the payroll queue.
func (c *JobsCLI) InspectQueue(queue string) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	if queue == "" {
		queue = jobs.QueuePayroll
	}
	info, err := c.inspector.GetQueueInfo(queue)
	if err != nil {
		return QueueStats{}, fmt.Errorf("jobs cli: inspect %s: %w", queue, err)
	}
	return QueueStats{
		Queue:     queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Paused:    info.Paused,
	}, nil
}

// ArchivedTask is a task that exhausted its retries.
type ArchivedTask struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	LastError string `json:"last_error"`
	Retried   int    `json:"retried"`
}

// ListArchived returns up to size archived tasks of queue.
func (c *JobsCLI) ListArchived(queue string, size int) ([]ArchivedTask, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if queue == "" {
		queue = jobs.QueuePayroll
	}
	if size <= 0 {
		size = 20
	}
	infos, err := c.inspector.ListArchivedTasks(queue, asynq.PageSize(size), asynq.Page(1))
	if err != nil {
		return nil, fmt.Errorf("jobs cli: list archived %s: %w", queue, err)
	}
	out := make([]ArchivedTask, 0, len(infos))
	for _, info := range infos {
		out = append(out, ArchivedTask{
			ID:        info.ID,
			Type:      info.Type,
			Payload:   string(info.Payload),
			LastError: info.LastErr,
			Retried:   info.Retried,
		})
	}
	return out, nil
}

// RequeueArchived moves every archived task of queue back to pending.
func (c *JobsCLI) RequeueArchived(queue string) (int, error) {
	if c == nil || c.inspector == nil {
		return 0, errors.New("jobs cli: inspector not configured")
	}
	if queue == "" {
		queue = jobs.QueuePayroll
	}
	n, err := c.inspector.RunAllArchivedTasks(queue)
	if err != nil {
		return 0, fmt.Errorf("jobs cli: requeue %s: %w", queue, err)
	}
	return n, nil
}
