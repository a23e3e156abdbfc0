package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueuePayroll carries period computations.
	QueuePayroll = "payroll"
	// TaskPayrollComputePeriod computes every entry of a payroll period.
	TaskPayrollComputePeriod = "payroll:compute_period"
	// TaskLedgerReconcile verifies adjustment and loan balances against their ledgers.
	TaskLedgerReconcile = "ledger:reconcile"
)

// ComputePeriodPayload identifies the period and the actor who requested the run.
type ComputePeriodPayload struct {
	PeriodID  int64 `json:"period_id"`
	UserID    int64 `json:"user_id"`
	CompanyID int64 `json:"company_id"`
}

// NewComputePeriodTask constructs an Asynq task. Runs of the same period are deduplicated
// while one is queued or active.
func NewComputePeriodTask(payload ComputePeriodPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPayrollComputePeriod, data,
		asynq.Queue(QueuePayroll),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Unique(30*time.Minute),
	), nil
}

// NewLedgerReconcileTask constructs the reconciliation task.
func NewLedgerReconcileTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerReconcile, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
