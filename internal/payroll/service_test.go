package payroll_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-hr/odyssey-payroll/internal/attendance"
	"github.com/odyssey-hr/odyssey-payroll/internal/attendance/attendancetest"
	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/ledger/ledgertest"
	"github.com/odyssey-hr/odyssey-payroll/internal/payroll"
	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
	"github.com/odyssey-hr/odyssey-payroll/internal/statutory"
)

var actor = shared.Actor{UserID: 9, CompanyID: 1}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(m time.Month, d int) time.Time { return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC) }

// entryRepo keeps entries in memory. Transactions share the ledger store lock so entry
// and ledger writes commit or roll back together.
type entryRepo struct {
	mu      sync.Mutex
	ledger  *ledgertest.Store
	periods *periodStub
	entries map[int64]payroll.Entry
	nextID  int64
	locks   []int64
}

func newEntryRepo(store *ledgertest.Store) *entryRepo {
	return &entryRepo{ledger: store, entries: map[int64]payroll.Entry{}, nextID: 1}
}

func (r *entryRepo) WithTx(ctx context.Context, fn func(context.Context, payroll.TxRepository) error) error {
	ltx := r.ledger.Begin()
	r.mu.Lock()
	snapshot := make(map[int64]payroll.Entry, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	nextID, locks := r.nextID, append([]int64(nil), r.locks...)
	r.mu.Unlock()

	if err := fn(ctx, &entryTx{repo: r, ledger: ltx}); err != nil {
		r.mu.Lock()
		r.entries, r.nextID, r.locks = snapshot, nextID, locks
		r.mu.Unlock()
		ltx.Rollback()
		return err
	}
	ltx.Commit()
	return nil
}

func (r *entryRepo) GetEntry(ctx context.Context, id int64) (payroll.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return payroll.Entry{}, payroll.ErrEntryNotFound
	}
	return e, nil
}

func (r *entryRepo) ListEntries(ctx context.Context, periodID int64) ([]payroll.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []payroll.Entry
	for id := int64(1); id < r.nextID; id++ {
		if e, ok := r.entries[id]; ok && e.PeriodID == periodID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *entryRepo) byEmployee(periodID, employeeID int64) (payroll.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.PeriodID == periodID && e.EmployeeID == employeeID {
			return e, true
		}
	}
	return payroll.Entry{}, false
}

type entryTx struct {
	repo   *entryRepo
	ledger *ledgertest.Tx
}

func (t *entryTx) Ledger() ledger.TxRepository { return t.ledger }

func (t *entryTx) SharePeriod(ctx context.Context, periodID int64) (periods.Status, error) {
	p := t.repo.periods
	p.mu.Lock()
	hook := p.onShare
	p.onShare = nil
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	period, err := p.GetPeriod(ctx, periodID)
	return period.Status, err
}

func (t *entryTx) GetEntryForUpdate(ctx context.Context, id int64) (payroll.Entry, error) {
	return t.repo.GetEntry(ctx, id)
}

func (t *entryTx) GetEntryByEmployeeForUpdate(ctx context.Context, periodID, employeeID int64) (payroll.Entry, error) {
	if e, ok := t.repo.byEmployee(periodID, employeeID); ok {
		return e, nil
	}
	return payroll.Entry{}, payroll.ErrEntryNotFound
}

func (t *entryTx) InsertEntry(ctx context.Context, e payroll.Entry) (payroll.Entry, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	e.ID = t.repo.nextID
	t.repo.nextID++
	e.Version = 1
	t.repo.entries[e.ID] = e
	return e, nil
}

func (t *entryTx) SaveComputation(ctx context.Context, e payroll.Entry) (payroll.Entry, error) {
	return t.UpdateEntry(ctx, e)
}

func (t *entryTx) UpdateEntry(ctx context.Context, e payroll.Entry) (payroll.Entry, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if _, ok := t.repo.entries[e.ID]; !ok {
		return payroll.Entry{}, payroll.ErrEntryNotFound
	}
	e.Version++
	t.repo.entries[e.ID] = e
	return e, nil
}

func (t *entryTx) LockDTRs(ctx context.Context, employeeID int64, from, to time.Time) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.repo.locks = append(t.repo.locks, employeeID)
	return 1, nil
}

type periodStub struct {
	mu      sync.Mutex
	periods map[int64]periods.Period
	entries *entryRepo
	// onShare runs once, just before the next SharePeriod reads the period.
	onShare func()
}

func (p *periodStub) setStatus(id int64, status periods.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	period := p.periods[id]
	period.Status = status
	p.periods[id] = period
}

func (p *periodStub) GetPeriod(ctx context.Context, id int64) (periods.Period, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	period, ok := p.periods[id]
	if !ok {
		return periods.Period{}, periods.ErrPeriodNotFound
	}
	return period, nil
}

func (p *periodStub) Transition(ctx context.Context, actor shared.Actor, id int64, target periods.Status) (periods.Period, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	period := p.periods[id]
	if !period.Status.CanTransitionTo(target) {
		return periods.Period{}, shared.NewTransitionError("payroll_period", period.Status, target)
	}
	period.Status = target
	p.periods[id] = period
	return period, nil
}

func (p *periodStub) RefreshTotals(ctx context.Context, id int64) (periods.Period, error) {
	entries, _ := p.entries.ListEntries(ctx, id)
	p.mu.Lock()
	defer p.mu.Unlock()
	period := p.periods[id]
	period.Totals = periods.Totals{Gross: decimal.Zero, Deductions: decimal.Zero, Net: decimal.Zero}
	for _, e := range entries {
		if e.Status == payroll.StatusDraft {
			continue
		}
		period.Totals.Gross = period.Totals.Gross.Add(e.GrossPay)
		period.Totals.Deductions = period.Totals.Deductions.Add(e.TotalDeductions)
		period.Totals.Net = period.Totals.Net.Add(e.NetPay)
		period.Totals.EmployeeCount++
	}
	p.periods[id] = period
	return period, nil
}

type employeeStub []payroll.Employee

func (s employeeStub) ListPayrollEmployees(ctx context.Context, companyID int64, asOf time.Time) ([]payroll.Employee, error) {
	return s, nil
}

func (s employeeStub) GetEmployee(ctx context.Context, employeeID int64, asOf time.Time) (payroll.Employee, error) {
	for _, e := range s {
		if e.ID == employeeID {
			return e, nil
		}
	}
	return payroll.Employee{}, payroll.ErrEmployeeNotFound
}

type attendanceStub map[int64][]attendance.DailyTimeRecord

func (s attendanceStub) SyncRange(ctx context.Context, employeeID int64, from, to time.Time) ([]attendance.DailyTimeRecord, error) {
	return s[employeeID], nil
}

type tableStub struct{}

func (tableStub) Snapshot(ctx context.Context) (*statutory.Snapshot, error) {
	return statutory.NewSnapshot(statutory.DefaultTables(day(1, 1))), nil
}

type approvalSpy struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (a *approvalSpy) Record(ctx context.Context, log shared.ApprovalLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type fixture struct {
	svc       *payroll.Service
	repo      *entryRepo
	store     *ledgertest.Store
	ledger    *ledger.Service
	periods   *periodStub
	approvals *approvalSpy
	redis     *miniredis.Miniredis
	registry  *prometheus.Registry
}

var scheduleID = int64(1)

func workday(d int) attendance.DailyTimeRecord {
	return attendance.DailyTimeRecord{
		Date:             day(3, d),
		ScheduleID:       &scheduleID,
		TotalWorkMinutes: 480,
		ScheduledMinutes: 480,
		Status:           attendance.StatusPresent,
		Rates:            attendance.DefaultPremiumRates(),
	}
}

func monthly(id int64, salary string) payroll.Employee {
	return payroll.Employee{
		ID:             id,
		CompanyID:      1,
		EmployeeNumber: fmt.Sprintf("E-%03d", id),
		Name:           fmt.Sprintf("Employee %d", id),
		PayBasis:       payroll.BasisMonthly,
		BasicSalary:    dec(salary),
	}
}

func newFixture(t *testing.T, employees []payroll.Employee, concurrency int) *fixture {
	t.Helper()
	dtrs := attendanceStub{}
	for _, e := range employees {
		dtrs[e.ID] = []attendance.DailyTimeRecord{workday(3), workday(4)}
	}
	return newFixtureWith(t, employees, concurrency, dtrs)
}

func newFixtureWith(t *testing.T, employees []payroll.Employee, concurrency int, att payroll.AttendancePort) *fixture {
	t.Helper()
	store := ledgertest.NewStore()
	store.AddPeriod(ledger.PeriodRef{ID: 1, CutoffStart: day(3, 1), CutoffEnd: day(3, 15), Sequence: 1, PeriodsPerMonth: 2})
	store.AddPeriod(ledger.PeriodRef{ID: 9, CutoffStart: day(2, 16), CutoffEnd: day(2, 28), Sequence: 2, PeriodsPerMonth: 2})
	repo := newEntryRepo(store)
	ps := &periodStub{entries: repo, periods: map[int64]periods.Period{
		1: {ID: 1, CompanyID: 1, Frequency: periods.FrequencySemiMonthly, Name: "Mar 2025 1-15",
			CutoffStart: day(3, 1), CutoffEnd: day(3, 15), PayDate: day(3, 20), Sequence: 1, Status: periods.StatusOpen},
		2: {ID: 2, CompanyID: 1, Frequency: periods.FrequencySemiMonthly, Name: "Feb 2025 1-15",
			CutoffStart: day(2, 1), CutoffEnd: day(2, 15), PayDate: day(2, 20), Sequence: 1, Status: periods.StatusClosed},
	}}
	repo.periods = ps
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledgerSvc := ledger.NewService(store, nil, nil)
	ledgerSvc.WithNow(func() time.Time { return day(3, 1) })
	approvals := &approvalSpy{}
	registry := prometheus.NewRegistry()
	metrics := payroll.NewMetrics(registry)
	svc := payroll.NewService(repo, payroll.Ports{
		Periods:    ps,
		Employees:  employeeStub(employees),
		Attendance: att,
		Tables:     tableStub{},
		Ledger:     ledgerSvc,
		Locker:     shared.NewLocker(client, time.Minute),
		Approvals:  approvals,
		Metrics:    metrics,
	}, payroll.ServiceConfig{Concurrency: concurrency})
	svc.WithNow(func() time.Time { return day(3, 18) })
	return &fixture{svc: svc, repo: repo, store: store, ledger: ledgerSvc, periods: ps, approvals: approvals, redis: mr, registry: registry}
}

// partiallyPaidDeduction leaves 500 of a 1,500 deduction after one earlier period.
func partiallyPaidDeduction(t *testing.T, f *fixture, employeeID int64) ledger.Adjustment {
	t.Helper()
	start := day(2, 1)
	a, err := f.ledger.CreateAdjustment(context.Background(), actor, ledger.AdjustmentInput{
		EmployeeID:         employeeID,
		Category:           ledger.CategoryDeduction,
		TypeCode:           "UNIFORM",
		Description:        "Uniform",
		Frequency:          ledger.FrequencyRecurring,
		RecurringStart:     &start,
		Amount:             dec("1000"),
		HasBalanceTracking: true,
		TotalAmount:        dec("1500"),
	})
	require.NoError(t, err)
	_, err = f.ledger.ApplyAdjustment(context.Background(), actor, a.ID, 9)
	require.NoError(t, err)
	return f.store.Adjustment(a.ID)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

func TestComputePeriodAppliesRemainingBalance(t *testing.T) {
	f := newFixture(t, []payroll.Employee{monthly(7, "30000")}, 2)
	ctx := context.Background()
	a := partiallyPaidDeduction(t, f, 7)
	requireAmount(t, "500", a.RemainingBalance)

	report, err := f.svc.ComputePeriod(ctx, actor, 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.SuccessCount)
	require.Empty(t, report.Failures)
	require.NotEqual(t, "", report.RunID.String())

	period, _ := f.periods.GetPeriod(ctx, 1)
	require.Equal(t, periods.StatusProcessing, period.Status)
	requireAmount(t, "12771.30", period.Totals.Net)
	requireAmount(t, "12771.30", report.Totals.Net)

	entry, ok := f.repo.byEmployee(1, 7)
	require.True(t, ok)
	require.Equal(t, payroll.StatusComputed, entry.Status)
	requireAmount(t, "15000", entry.GrossPay)
	requireAmount(t, "12771.30", entry.NetPay)
	var uniform *payroll.Line
	for i := range entry.Deductions {
		if entry.Deductions[i].Code == "UNIFORM" {
			uniform = &entry.Deductions[i]
		}
	}
	require.NotNil(t, uniform)
	requireAmount(t, "500", uniform.Amount)

	stored := f.store.Adjustment(a.ID)
	require.Equal(t, ledger.StatusCompleted, stored.Status)
	requireAmount(t, "0", stored.RemainingBalance)
	apps := f.store.Applications()
	require.Len(t, apps, 2)
	requireAmount(t, "0", apps[1].BalanceAfter)
	count, err := testutil.GatherAndCount(f.registry, "odyssey_payroll_entries_computed_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// A recompute reuses the ledger row instead of applying the deduction again.
	again, err := f.svc.RecomputeEntry(ctx, actor, entry.ID)
	require.NoError(t, err)
	requireAmount(t, "12771.30", again.NetPay)
	require.Len(t, f.store.Applications(), 2)
}

func TestComputePeriodCollectsConfigurationFailures(t *testing.T) {
	broken := monthly(8, "0")
	f := newFixture(t, []payroll.Employee{monthly(7, "30000"), broken}, 2)
	ctx := context.Background()

	report, err := f.svc.ComputePeriod(ctx, actor, 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.SuccessCount)
	require.Len(t, report.Failures, 1)
	require.Equal(t, int64(8), report.Failures[0].EmployeeID)
	require.Equal(t, payroll.FailureConfiguration, report.Failures[0].Kind)

	entry, ok := f.repo.byEmployee(1, 8)
	require.True(t, ok)
	require.Equal(t, payroll.StatusDraft, entry.Status)
	require.Contains(t, entry.FailureReason, "basic salary")

	period, _ := f.periods.GetPeriod(ctx, 1)
	require.Equal(t, periods.StatusProcessing, period.Status)
	require.Equal(t, 1, period.Totals.EmployeeCount)
}

func TestComputePeriodDocksUnpunchedWorkdays(t *testing.T) {
	store := attendancetest.NewStore()
	for _, d := range []int{3, 4} {
		store.AddPunch(attendance.Punch{EmployeeID: 7, Type: attendance.PunchIn, At: day(3, d).Add(9 * time.Hour), IsValid: true})
		store.AddPunch(attendance.Punch{EmployeeID: 7, Type: attendance.PunchOut, At: day(3, d).Add(18 * time.Hour), IsValid: true})
	}
	cal := attendancetest.Calendar{Schedule: &attendance.WorkSchedule{
		ID:           1,
		Name:         "Regular 9-6",
		ShiftStart:   attendance.MustClock("09:00"),
		ShiftEnd:     attendance.MustClock("18:00"),
		BreakMinutes: 60,
		WorkDays:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}}
	f := newFixtureWith(t, []payroll.Employee{monthly(7, "30000")}, 1, attendance.NewService(store, cal, nil))
	ctx := context.Background()

	report, err := f.svc.ComputePeriod(ctx, actor, 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.SuccessCount)
	require.Equal(t, 15, store.Count(7))

	entry, _ := f.repo.byEmployee(1, 7)
	requireAmount(t, "2", entry.Attendance.DaysWorked)
	requireAmount(t, "8", entry.Attendance.AbsentDays)
	require.True(t, entry.GrossPay.LessThan(dec("15000")), "gross %s", entry.GrossPay)

	// An approved cutoff keeps its locked days even if punches arrive later.
	store.Lock(7, day(3, 5))
	store.AddPunch(attendance.Punch{EmployeeID: 7, Type: attendance.PunchIn, At: day(3, 5).Add(9 * time.Hour), IsValid: true})
	store.AddPunch(attendance.Punch{EmployeeID: 7, Type: attendance.PunchOut, At: day(3, 5).Add(18 * time.Hour), IsValid: true})
	store.AddPunch(attendance.Punch{EmployeeID: 7, Type: attendance.PunchIn, At: day(3, 6).Add(9 * time.Hour), IsValid: true})
	store.AddPunch(attendance.Punch{EmployeeID: 7, Type: attendance.PunchOut, At: day(3, 6).Add(18 * time.Hour), IsValid: true})
	again, err := f.svc.RecomputeEntry(ctx, actor, entry.ID)
	require.NoError(t, err)
	requireAmount(t, "3", again.Attendance.DaysWorked)
	requireAmount(t, "7", again.Attendance.AbsentDays)
}

func TestComputePeriodRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, []payroll.Employee{monthly(7, "30000")}, 1)
	require.NoError(t, f.redis.Set(shared.PayrollPeriodLockKey(1), "other-run"))

	_, err := f.svc.ComputePeriod(context.Background(), actor, 1)
	require.ErrorIs(t, err, payroll.ErrRunInProgress)

	f.redis.Del(shared.PayrollPeriodLockKey(1))
	_, err = f.svc.ComputePeriod(context.Background(), actor, 1)
	require.NoError(t, err)
	require.False(t, f.redis.Exists(shared.PayrollPeriodLockKey(1)))
}

func TestComputePeriodRequiresComputablePeriod(t *testing.T) {
	f := newFixture(t, []payroll.Employee{monthly(7, "30000")}, 1)
	_, err := f.svc.ComputePeriod(context.Background(), actor, 2)
	require.ErrorIs(t, err, payroll.ErrPeriodNotComputable)

	_, err = f.svc.ComputePeriod(context.Background(), shared.Actor{UserID: 9, CompanyID: 2}, 1)
	require.ErrorIs(t, err, periods.ErrPeriodNotFound)

	_, err = f.svc.ComputePeriod(context.Background(), shared.Actor{}, 1)
	require.ErrorIs(t, err, shared.ErrInvalidActor)
}

func TestComputePeriodRunsEmployeesConcurrently(t *testing.T) {
	var employees []payroll.Employee
	for id := int64(1); id <= 24; id++ {
		employees = append(employees, monthly(id, "30000"))
	}
	f := newFixture(t, employees, 4)

	report, err := f.svc.ComputePeriod(context.Background(), actor, 1)
	require.NoError(t, err)
	require.Equal(t, 24, report.SuccessCount)
	entries, err := f.svc.ListEntries(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 24)
	requireAmount(t, "360000", report.Totals.Gross)
}

func TestEntryApprovalFlow(t *testing.T) {
	f := newFixture(t, []payroll.Employee{monthly(7, "30000")}, 1)
	ctx := context.Background()
	_, err := f.svc.ComputePeriod(ctx, actor, 1)
	require.NoError(t, err)
	entry, _ := f.repo.byEmployee(1, 7)

	_, err = f.svc.TransitionEntry(ctx, actor, entry.ID, payroll.StatusApproved, "")
	var te *shared.TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "COMPUTED", te.From)

	reviewed, err := f.svc.TransitionEntry(ctx, actor, entry.ID, payroll.StatusReviewed, "checked")
	require.NoError(t, err)
	require.NotNil(t, reviewed.ReviewedBy)
	require.Equal(t, actor.UserID, *reviewed.ReviewedBy)

	returned, err := f.svc.TransitionEntry(ctx, actor, entry.ID, payroll.StatusComputed, "wrong OT")
	require.NoError(t, err)
	require.Nil(t, returned.ReviewedAt)

	_, err = f.svc.TransitionEntry(ctx, actor, entry.ID, payroll.StatusReviewed, "")
	require.NoError(t, err)
	approved, err := f.svc.TransitionEntry(ctx, actor, entry.ID, payroll.StatusApproved, "ok")
	require.NoError(t, err)
	require.Equal(t, payroll.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.Equal(t, []int64{7}, f.repo.locks)

	require.Len(t, f.approvals.logs, 4)
	require.Equal(t, shared.ApprovalReturn, f.approvals.logs[1].Action)
	require.Equal(t, shared.ApprovalApprove, f.approvals.logs[3].Action)
	require.Equal(t, entry.RefID, f.approvals.logs[3].RefID)

	_, err = f.svc.RecomputeEntry(ctx, actor, entry.ID)
	require.ErrorIs(t, err, payroll.ErrEntryNotEditable)

	report, err := f.svc.ComputePeriod(ctx, actor, 1)
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, report.SuccessCount)
}

func TestFailedRecomputeResetsEntryToDraft(t *testing.T) {
	employees := []payroll.Employee{monthly(7, "30000")}
	f := newFixture(t, employees, 1)
	ctx := context.Background()
	_, err := f.svc.ComputePeriod(ctx, actor, 1)
	require.NoError(t, err)
	entry, _ := f.repo.byEmployee(1, 7)
	_, err = f.svc.TransitionEntry(ctx, actor, entry.ID, payroll.StatusReviewed, "")
	require.NoError(t, err)

	employees[0].BasicSalary = decimal.Zero
	_, err = f.svc.RecomputeEntry(ctx, actor, entry.ID)
	require.ErrorIs(t, err, payroll.ErrMissingCompensation)

	failed, _ := f.repo.byEmployee(1, 7)
	require.Equal(t, payroll.StatusDraft, failed.Status)
	require.Contains(t, failed.FailureReason, "basic salary")
	require.Empty(t, failed.Lines())
	requireAmount(t, "0", failed.GrossPay)
	requireAmount(t, "0", failed.NetPay)
	require.Nil(t, failed.ComputedAt)
	require.Nil(t, failed.ReviewedBy)
	period, _ := f.periods.GetPeriod(ctx, 1)
	require.Zero(t, period.Totals.EmployeeCount)

	for _, target := range []payroll.Status{payroll.StatusReviewed, payroll.StatusApproved} {
		_, err = f.svc.TransitionEntry(ctx, actor, entry.ID, target, "")
		require.ErrorIs(t, err, payroll.ErrEntryFailed)
	}

	employees[0].BasicSalary = dec("30000")
	fixed, err := f.svc.RecomputeEntry(ctx, actor, entry.ID)
	require.NoError(t, err)
	require.Equal(t, payroll.StatusComputed, fixed.Status)
	require.Empty(t, fixed.FailureReason)
	_, err = f.svc.TransitionEntry(ctx, actor, entry.ID, payroll.StatusReviewed, "")
	require.NoError(t, err)
}

func TestPeriodClosedMidRunLeavesEntryUntouched(t *testing.T) {
	f := newFixture(t, []payroll.Employee{monthly(7, "30000")}, 1)
	ctx := context.Background()
	_, err := f.svc.ComputePeriod(ctx, actor, 1)
	require.NoError(t, err)
	before, _ := f.repo.byEmployee(1, 7)

	f.periods.onShare = func() { f.periods.setStatus(1, periods.StatusClosed) }
	_, err = f.svc.RecomputeEntry(ctx, actor, before.ID)
	require.ErrorIs(t, err, payroll.ErrPeriodNotComputable)
	after, _ := f.repo.byEmployee(1, 7)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, payroll.StatusComputed, after.Status)
	require.Empty(t, after.FailureReason)

	f.periods.setStatus(1, periods.StatusProcessing)
	f.periods.onShare = func() { f.periods.setStatus(1, periods.StatusClosed) }
	_, err = f.svc.TransitionEntry(ctx, actor, before.ID, payroll.StatusReviewed, "")
	require.ErrorIs(t, err, payroll.ErrPeriodNotComputable)
	after, _ = f.repo.byEmployee(1, 7)
	require.Equal(t, payroll.StatusComputed, after.Status)
}

func TestRegisterAndPayslip(t *testing.T) {
	f := newFixture(t, []payroll.Employee{monthly(7, "30000")}, 1)
	ctx := context.Background()
	_, err := f.svc.ComputePeriod(ctx, actor, 1)
	require.NoError(t, err)
	entry, _ := f.repo.byEmployee(1, 7)

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportRegister(ctx, 1, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "employee_number,name,department,status"))
	require.Contains(t, lines[1], "E-007")
	require.Contains(t, lines[1], "15000.00")

	_, err = f.svc.Payslip(ctx, entry.ID)
	require.ErrorIs(t, err, payroll.ErrNotApproved)

	for _, target := range []payroll.Status{payroll.StatusReviewed, payroll.StatusApproved} {
		_, err = f.svc.TransitionEntry(ctx, actor, entry.ID, target, "")
		require.NoError(t, err)
	}
	slip, err := f.svc.Payslip(ctx, entry.ID)
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, payroll.RenderPayslipHTML(&buf, slip))
	require.Contains(t, buf.String(), "Employee 7")
	require.Contains(t, buf.String(), "Mar 2025 1-15")
}

func TestTransitionEntryUnknown(t *testing.T) {
	f := newFixture(t, nil, 1)
	_, err := f.svc.TransitionEntry(context.Background(), actor, 42, payroll.StatusReviewed, "")
	require.True(t, errors.Is(err, payroll.ErrEntryNotFound))
}
