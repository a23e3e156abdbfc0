package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-hr/odyssey-payroll/internal/jobs"
	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
)

// Reconciler verifies ledger balances.
type Reconciler interface {
	Reconcile(ctx context.Context) (ledger.ReconcileReport, error)
}

// LedgerReconcileJob reports adjustment and loan balances that drifted from their ledgers.
type LedgerReconcileJob struct {
	Service Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerReconcileJob constructs the job handler.
func NewLedgerReconcileJob(service Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerReconcileJob {
	return &LedgerReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle runs one reconciliation pass.
func (j *LedgerReconcileJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ledger reconcile: dependencies not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerReconcile)
	report, err := j.Service.Reconcile(ctx)
	if err := tracker.End(err); err != nil {
		j.log().Error("ledger reconcile failed", slog.Any("error", err))
		return err
	}
	byKind := map[string]int{}
	for _, d := range report.Discrepancies {
		byKind[string(d.Kind)]++
	}
	for kind, count := range byKind {
		j.Metrics.AddDiscrepancies(kind, count)
	}
	j.log().Info("ledger reconcile finished",
		slog.Int("checked", report.Checked),
		slog.Int("discrepancies", len(report.Discrepancies)))
	return nil
}

func (j *LedgerReconcileJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
