package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-hr/odyssey-payroll/internal/attendance"
	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
	"github.com/odyssey-hr/odyssey-payroll/internal/statutory"
)

// Repository persists payroll entries.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEntry(ctx context.Context, id int64) (Entry, error)
	ListEntries(ctx context.Context, periodID int64) ([]Entry, error)
}

// TxRepository exposes the writes of one entry computation or transition.
type TxRepository interface {
	// Ledger returns the ledger store bound to the same transaction.
	Ledger() ledger.TxRepository
	// SharePeriod holds a shared lock on the period row until the transaction ends and
	// returns its current status. Closing the period waits for the lock.
	SharePeriod(ctx context.Context, periodID int64) (periods.Status, error)
	GetEntryForUpdate(ctx context.Context, id int64) (Entry, error)
	GetEntryByEmployeeForUpdate(ctx context.Context, periodID, employeeID int64) (Entry, error)
	InsertEntry(ctx context.Context, e Entry) (Entry, error)
	SaveComputation(ctx context.Context, e Entry) (Entry, error)
	UpdateEntry(ctx context.Context, e Entry) (Entry, error)
	LockDTRs(ctx context.Context, employeeID int64, from, to time.Time) (int64, error)
}

// PeriodPort reads and moves payroll periods.
type PeriodPort interface {
	GetPeriod(ctx context.Context, id int64) (periods.Period, error)
	Transition(ctx context.Context, actor shared.Actor, id int64, target periods.Status) (periods.Period, error)
	RefreshTotals(ctx context.Context, id int64) (periods.Period, error)
}

// EmployeePort reads compensation snapshots.
type EmployeePort interface {
	ListPayrollEmployees(ctx context.Context, companyID int64, asOf time.Time) ([]Employee, error)
	GetEmployee(ctx context.Context, employeeID int64, asOf time.Time) (Employee, error)
}

// AttendancePort supplies the aggregated DTRs of a cutoff.
type AttendancePort interface {
	// SyncRange refreshes the unlocked DTRs of the cutoff, creating records for days
	// without punches, and returns every stored DTR of the range.
	SyncRange(ctx context.Context, employeeID int64, from, to time.Time) ([]attendance.DailyTimeRecord, error)
}

// TablePort loads statutory tables once per run.
type TablePort interface {
	Snapshot(ctx context.Context) (*statutory.Snapshot, error)
}

// LedgerPort applies due adjustments and loans inside an entry transaction.
type LedgerPort interface {
	ApplyForEntry(ctx context.Context, tx ledger.TxRepository, employeeID int64, period ledger.PeriodRef, entryID int64) ([]ledger.AppliedItem, error)
}

// Ports groups the collaborators of the payroll service.
type Ports struct {
	Periods    PeriodPort
	Employees  EmployeePort
	Attendance AttendancePort
	Tables     TablePort
	Ledger     LedgerPort
	Locker     *shared.Locker
	Audit      shared.AuditPort
	Approvals  shared.ApprovalPort
	Metrics    *Metrics
	Logger     *slog.Logger
}

// ServiceConfig groups tunables.
type ServiceConfig struct {
	Concurrency int
	Policy      Policy
}

// Service computes and approves payroll entries.
type Service struct {
	repo        Repository
	ports       Ports
	logger      *slog.Logger
	concurrency int
	policy      Policy
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo Repository, ports Ports, cfg ServiceConfig) *Service {
	logger := ports.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Service{
		repo:        repo,
		ports:       ports,
		logger:      logger,
		concurrency: concurrency,
		policy:      cfg.Policy.normalized(),
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ComputePeriod computes every employee of the period on a bounded worker pool. An
// Open period moves to Processing first. Per-employee failures are collected and the
// period stays Processing.
func (s *Service) ComputePeriod(ctx context.Context, actor shared.Actor, periodID int64) (RunReport, error) {
	if !actor.Valid() {
		return RunReport{}, shared.ErrInvalidActor
	}
	started := s.now()
	report, err := s.computePeriod(ctx, actor, periodID)
	s.ports.Metrics.run(started, report, err)
	return report, err
}

func (s *Service) computePeriod(ctx context.Context, actor shared.Actor, periodID int64) (RunReport, error) {
	release, err := s.ports.Locker.Acquire(ctx, shared.PayrollPeriodLockKey(periodID))
	if errors.Is(err, shared.ErrLockHeld) {
		return RunReport{}, ErrRunInProgress
	}
	if err != nil {
		return RunReport{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release payroll lock", slog.Int64("period_id", periodID), slog.Any("error", err))
		}
	}()

	stored, err := s.ports.Periods.GetPeriod(ctx, periodID)
	if err != nil {
		return RunReport{}, err
	}
	if stored.CompanyID != actor.CompanyID {
		return RunReport{}, periods.ErrPeriodNotFound
	}
	if !stored.Status.AllowsCompute() {
		return RunReport{}, fmt.Errorf("%w: period %d is %s", ErrPeriodNotComputable, periodID, stored.Status)
	}
	if stored.Status == periods.StatusOpen {
		if stored, err = s.ports.Periods.Transition(ctx, actor, periodID, periods.StatusProcessing); err != nil {
			return RunReport{}, err
		}
	}
	period := PeriodFrom(stored)

	tables, err := s.ports.Tables.Snapshot(ctx)
	if err != nil {
		return RunReport{}, fmt.Errorf("load statutory tables: %w", err)
	}
	employees, err := s.ports.Employees.ListPayrollEmployees(ctx, period.CompanyID, period.CutoffEnd)
	if err != nil {
		return RunReport{}, err
	}

	report := RunReport{RunID: uuid.New(), PeriodID: periodID, StartedAt: s.now()}
	logger := s.logger.With(slog.String("run_id", report.RunID.String()), slog.Int64("period_id", periodID))
	logger.Info("payroll compute started", slog.Int("employees", len(employees)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, emp := range employees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := s.computeEntry(gctx, period, tables, emp)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.SuccessCount++
				s.ports.Metrics.entry("success")
			case errors.Is(err, ErrEntryNotEditable):
				report.Skipped++
				s.ports.Metrics.entry("skipped")
			default:
				kind := classify(err)
				report.Failures = append(report.Failures, Failure{EmployeeID: emp.ID, Reason: err.Error(), Kind: kind})
				s.ports.Metrics.entry(string(kind))
				logger.Warn("payroll entry failed", slog.Int64("employee_id", emp.ID), slog.String("kind", string(kind)), slog.Any("error", err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].EmployeeID < report.Failures[j].EmployeeID })

	refreshed, err := s.ports.Periods.RefreshTotals(ctx, periodID)
	if err != nil {
		return report, err
	}
	report.Totals = refreshed.Totals
	report.FinishedAt = s.now()
	logger.Info("payroll compute finished",
		slog.Int("success", report.SuccessCount),
		slog.Int("failures", len(report.Failures)),
		slog.Int("skipped", report.Skipped))
	s.record(ctx, actor, "payroll_period.compute", "payroll_period", fmt.Sprintf("%d", periodID), map[string]any{
		"run_id":   report.RunID.String(),
		"success":  report.SuccessCount,
		"failures": len(report.Failures),
	})
	return report, nil
}

// RecomputeEntry recomputes one entry. Ledger rows already keyed to the period are
// reused, never applied twice.
func (s *Service) RecomputeEntry(ctx context.Context, actor shared.Actor, entryID int64) (Entry, error) {
	if !actor.Valid() {
		return Entry{}, shared.ErrInvalidActor
	}
	current, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	stored, err := s.ports.Periods.GetPeriod(ctx, current.PeriodID)
	if err != nil {
		return Entry{}, err
	}
	if stored.CompanyID != actor.CompanyID {
		return Entry{}, ErrEntryNotFound
	}
	if !stored.Status.AllowsCompute() {
		return Entry{}, fmt.Errorf("%w: period %d is %s", ErrPeriodNotComputable, stored.ID, stored.Status)
	}
	if !current.Status.Editable() {
		return Entry{}, ErrEntryNotEditable
	}
	period := PeriodFrom(stored)
	emp, err := s.ports.Employees.GetEmployee(ctx, current.EmployeeID, period.CutoffEnd)
	if err != nil {
		return Entry{}, err
	}
	tables, err := s.ports.Tables.Snapshot(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("load statutory tables: %w", err)
	}
	entry, err := s.computeEntry(ctx, period, tables, emp)
	if err == nil || IsConfigurationError(err) {
		if _, rerr := s.ports.Periods.RefreshTotals(ctx, period.ID); rerr != nil {
			s.logger.Warn("refresh period totals", slog.Int64("period_id", period.ID), slog.Any("error", rerr))
		}
	}
	if err != nil {
		return Entry{}, err
	}
	s.record(ctx, actor, "payroll_entry.recompute", "payroll_entry", fmt.Sprintf("%d", entry.ID), map[string]any{
		"net_pay": entry.NetPay.String(),
	})
	return entry, nil
}

// computeEntry runs one entry computation in its own transaction. Configuration errors
// are recorded on the entry in a separate transaction so the batch can continue.
func (s *Service) computeEntry(ctx context.Context, period Period, tables *statutory.Snapshot, emp Employee) (Entry, error) {
	dtrs, err := s.ports.Attendance.SyncRange(ctx, emp.ID, period.CutoffStart, period.CutoffEnd)
	if err != nil {
		return Entry{}, fmt.Errorf("load attendance: %w", err)
	}
	var entry Entry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := requireComputable(ctx, tx, period.ID); err != nil {
			return err
		}
		e, err := s.entryFor(ctx, tx, period.ID, emp)
		if err != nil {
			return err
		}
		if !e.Status.Editable() {
			return ErrEntryNotEditable
		}
		if !e.Status.CanTransitionTo(StatusComputed) {
			return shared.NewTransitionError("payroll_entry", e.Status, StatusComputed)
		}
		items, err := s.ports.Ledger.ApplyForEntry(ctx, tx.Ledger(), emp.ID, period.Ref(), e.ID)
		if err != nil {
			return err
		}
		c, err := Compute(ComputeInput{
			Employee: emp,
			Period:   period,
			DTRs:     dtrs,
			Items:    items,
			Tables:   tables,
			Policy:   s.policy,
		})
		if err != nil {
			return err
		}
		now := s.now()
		e.Employee = emp
		e.Attendance = c.Attendance
		e.Earnings = c.Earnings
		e.Deductions = c.Deductions
		e.GrossPay = c.Gross
		e.TaxableIncome = c.Taxable
		e.TotalDeductions = c.TotalDeductions
		e.NetPay = c.Net
		e.EmployerCost = c.EmployerCost
		e.Warnings = c.Warnings
		e.FailureReason = ""
		e.Status = StatusComputed
		e.ComputedAt = &now
		e.ReviewedAt, e.ReviewedBy = nil, nil
		e.UpdatedAt = now
		entry, err = tx.SaveComputation(ctx, e)
		return err
	})
	if err != nil && IsConfigurationError(err) {
		if markErr := s.markFailure(ctx, period.ID, emp, err); markErr != nil {
			s.logger.Error("record entry failure", slog.Int64("employee_id", emp.ID), slog.Any("error", markErr))
		}
	}
	return entry, err
}

func requireComputable(ctx context.Context, tx TxRepository, periodID int64) error {
	status, err := tx.SharePeriod(ctx, periodID)
	if err != nil {
		return err
	}
	if !status.AllowsCompute() {
		return fmt.Errorf("%w: period %d is %s", ErrPeriodNotComputable, periodID, status)
	}
	return nil
}

func (s *Service) entryFor(ctx context.Context, tx TxRepository, periodID int64, emp Employee) (Entry, error) {
	e, err := tx.GetEntryByEmployeeForUpdate(ctx, periodID, emp.ID)
	if errors.Is(err, ErrEntryNotFound) {
		now := s.now()
		return tx.InsertEntry(ctx, Entry{
			PeriodID:   periodID,
			EmployeeID: emp.ID,
			RefID:      uuid.New(),
			Employee:   emp,
			Status:     StatusDraft,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return e, err
}

// markFailure stores the reason of a configuration error and resets an editable entry
// to Draft without lines or totals, so stale figures can be neither reviewed nor paid.
func (s *Service) markFailure(ctx context.Context, periodID int64, emp Employee, cause error) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := requireComputable(ctx, tx, periodID); err != nil {
			return err
		}
		e, err := s.entryFor(ctx, tx, periodID, emp)
		if err != nil {
			return err
		}
		if !e.Status.Editable() {
			return nil
		}
		e.Status = StatusDraft
		e.Attendance = Attendance{}
		e.Earnings, e.Deductions, e.Warnings = nil, nil, nil
		e.GrossPay = decimal.Zero
		e.TaxableIncome = decimal.Zero
		e.TotalDeductions = decimal.Zero
		e.NetPay = decimal.Zero
		e.EmployerCost = decimal.Zero
		e.ComputedAt = nil
		e.ReviewedAt, e.ReviewedBy = nil, nil
		e.FailureReason = cause.Error()
		e.UpdatedAt = s.now()
		_, err = tx.SaveComputation(ctx, e)
		return err
	})
}

// TransitionEntry moves an entry through review and approval. Approval locks the DTRs
// of the cutoff so they can no longer be recomputed.
func (s *Service) TransitionEntry(ctx context.Context, actor shared.Actor, entryID int64, target Status, note string) (Entry, error) {
	if !actor.Valid() {
		return Entry{}, shared.ErrInvalidActor
	}
	if target == StatusDraft {
		return Entry{}, shared.NewTransitionError("payroll_entry", StatusComputed, target)
	}
	current, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	stored, err := s.ports.Periods.GetPeriod(ctx, current.PeriodID)
	if err != nil {
		return Entry{}, err
	}
	if stored.CompanyID != actor.CompanyID {
		return Entry{}, ErrEntryNotFound
	}
	if !stored.Status.AllowsCompute() {
		return Entry{}, fmt.Errorf("%w: period %d is %s", ErrPeriodNotComputable, stored.ID, stored.Status)
	}

	var (
		updated Entry
		from    Status
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := requireComputable(ctx, tx, stored.ID); err != nil {
			return err
		}
		e, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		from = e.Status
		if e.FailureReason != "" && (target == StatusReviewed || target == StatusApproved) {
			return fmt.Errorf("%w: %s", ErrEntryFailed, e.FailureReason)
		}
		if e.Status == target || !e.Status.CanTransitionTo(target) {
			return shared.NewTransitionError("payroll_entry", e.Status, target)
		}
		now := s.now()
		userID := actor.UserID
		switch target {
		case StatusReviewed:
			e.ReviewedAt, e.ReviewedBy = &now, &userID
		case StatusApproved:
			e.ApprovedAt, e.ApprovedBy = &now, &userID
			if _, err := tx.LockDTRs(ctx, e.EmployeeID, stored.CutoffStart, stored.CutoffEnd); err != nil {
				return err
			}
		case StatusComputed:
			e.ReviewedAt, e.ReviewedBy = nil, nil
		}
		e.Status = target
		e.UpdatedAt = now
		updated, err = tx.UpdateEntry(ctx, e)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	s.recordApproval(ctx, actor, updated, from, note)
	s.record(ctx, actor, "payroll_entry.transition", "payroll_entry", fmt.Sprintf("%d", updated.ID), map[string]any{
		"from": string(from),
		"to":   string(target),
	})
	return updated, nil
}

// GetEntry returns an entry with its lines.
func (s *Service) GetEntry(ctx context.Context, id int64) (Entry, error) {
	return s.repo.GetEntry(ctx, id)
}

// ListEntries returns the entries of a period.
func (s *Service) ListEntries(ctx context.Context, periodID int64) ([]Entry, error) {
	return s.repo.ListEntries(ctx, periodID)
}

func (s *Service) recordApproval(ctx context.Context, actor shared.Actor, e Entry, from Status, note string) {
	if s.ports.Approvals == nil {
		return
	}
	var action shared.ApprovalAction
	switch {
	case e.Status == StatusReviewed:
		action = shared.ApprovalReview
	case e.Status == StatusApproved:
		action = shared.ApprovalApprove
	case from == StatusReviewed && e.Status == StatusComputed:
		action = shared.ApprovalReturn
	default:
		return
	}
	if err := s.ports.Approvals.Record(ctx, shared.ApprovalLog{
		Module:  ApprovalModule,
		RefID:   e.RefID,
		ActorID: actor.UserID,
		Action:  action,
		Note:    note,
		At:      s.now(),
	}); err != nil {
		s.logger.Warn("record approval", slog.Int64("entry_id", e.ID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action, entity, id string, meta map[string]any) {
	if s.ports.Audit == nil {
		return
	}
	_ = s.ports.Audit.Record(ctx, shared.AuditLog{
		CompanyID: actor.CompanyID,
		ActorID:   actor.UserID,
		Action:    action,
		Entity:    entity,
		EntityID:  id,
		Meta:      meta,
		At:        s.now(),
	})
}
