package payrollhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-hr/odyssey-payroll/internal/attendance"
	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/payroll"
	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
	"github.com/odyssey-hr/odyssey-payroll/internal/statutory"
	_ "github.com/odyssey-hr/odyssey-payroll/testing"
)

type stubPayroll struct {
	payrollService
	computeFn    func(ctx context.Context, actor shared.Actor, periodID int64) (payroll.RunReport, error)
	transitionFn func(ctx context.Context, actor shared.Actor, entryID int64, target payroll.Status, note string) (payroll.Entry, error)
	entries      map[int64]payroll.Entry
}

func (s *stubPayroll) ComputePeriod(ctx context.Context, actor shared.Actor, periodID int64) (payroll.RunReport, error) {
	return s.computeFn(ctx, actor, periodID)
}

func (s *stubPayroll) TransitionEntry(ctx context.Context, actor shared.Actor, entryID int64, target payroll.Status, note string) (payroll.Entry, error) {
	return s.transitionFn(ctx, actor, entryID, target, note)
}

func (s *stubPayroll) GetEntry(ctx context.Context, id int64) (payroll.Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return payroll.Entry{}, payroll.ErrEntryNotFound
	}
	return e, nil
}

func (s *stubPayroll) ListEntries(ctx context.Context, periodID int64) ([]payroll.Entry, error) {
	var list []payroll.Entry
	for id := int64(1); id <= int64(len(s.entries)); id++ {
		if e, ok := s.entries[id]; ok && e.PeriodID == periodID {
			list = append(list, e)
		}
	}
	return list, nil
}

func (s *stubPayroll) ExportRegister(ctx context.Context, periodID int64, w io.Writer) error {
	var list []payroll.Entry
	for _, e := range s.entries {
		if e.PeriodID == periodID {
			list = append(list, e)
		}
	}
	return payroll.WriteRegister(w, list)
}

type stubPeriods struct {
	periodService
	periods map[int64]periods.Period
}

func (s *stubPeriods) GetPeriod(ctx context.Context, id int64) (periods.Period, error) {
	p, ok := s.periods[id]
	if !ok {
		return periods.Period{}, periods.ErrPeriodNotFound
	}
	return p, nil
}

type stubLedger struct {
	ledgerService
	held     []ledger.ItemRef
	createFn func(in ledger.AdjustmentInput) (ledger.Adjustment, error)
}

func (s *stubLedger) CreateAdjustment(ctx context.Context, actor shared.Actor, in ledger.AdjustmentInput) (ledger.Adjustment, error) {
	return s.createFn(in)
}

type stubAttendance struct {
	attendanceService
	recomputed []time.Time
}

func (s *stubAttendance) RecomputeRange(ctx context.Context, actor shared.Actor, employeeID int64, from, to time.Time) ([]attendance.DailyTimeRecord, error) {
	s.recomputed = append(s.recomputed, from, to)
	var out []attendance.DailyTimeRecord
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, attendance.DailyTimeRecord{EmployeeID: employeeID, Date: d, Status: attendance.StatusAbsent})
	}
	return out, nil
}

type memoryKeys struct {
	keys map[string]string
}

func (m *memoryKeys) CheckAndInsert(ctx context.Context, companyID int64, key, module string) error {
	k := fmt.Sprintf("%d/%s", companyID, key)
	if _, ok := m.keys[k]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[k] = module
	return nil
}

func (m *memoryKeys) Delete(ctx context.Context, companyID int64, key string) error {
	delete(m.keys, fmt.Sprintf("%d/%s", companyID, key))
	return nil
}

func (s *stubLedger) Hold(ctx context.Context, actor shared.Actor, ref ledger.ItemRef, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: reason required", ledger.ErrInvalidInput)
	}
	s.held = append(s.held, ref)
	return nil
}

type stubContributions struct{}

func (stubContributions) CalculateContribution(ctx context.Context, typ statutory.ContributionType, compensation decimal.Decimal, asOf time.Time, freq statutory.PayFrequency) (statutory.Result, error) {
	if !typ.Valid() {
		return statutory.Result{}, statutory.ErrUnknownType
	}
	snap := statutory.NewSnapshot(statutory.DefaultTables(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	return snap.Calculate(typ, compensation, asOf, freq)
}

func newTestRouter(svc Services) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func do(t *testing.T, router http.Handler, method, target, body string, actor *shared.Actor) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if actor != nil {
		req = req.WithContext(shared.ContextWithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

var testActor = &shared.Actor{UserID: 3, CompanyID: 1}

func basePeriods() *stubPeriods {
	return &stubPeriods{periods: map[int64]periods.Period{
		1: {ID: 1, CompanyID: 1, Name: "Mar 2025 1-15", Status: periods.StatusOpen},
		2: {ID: 2, CompanyID: 2, Name: "other company", Status: periods.StatusOpen},
	}}
}

func TestComputePeriodReturnsReport(t *testing.T) {
	var gotActor shared.Actor
	svc := &stubPayroll{computeFn: func(ctx context.Context, actor shared.Actor, periodID int64) (payroll.RunReport, error) {
		gotActor = actor
		return payroll.RunReport{PeriodID: periodID, SuccessCount: 2, Failures: []payroll.Failure{
			{EmployeeID: 8, Reason: "payroll: employee has no basic salary", Kind: payroll.FailureConfiguration},
		}}, nil
	}}
	router := newTestRouter(Services{Payroll: svc, Periods: basePeriods()})

	rr := do(t, router, http.MethodPost, "/periods/1/compute", "", testActor)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, *testActor, gotActor)
	var report payroll.RunReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.Equal(t, 2, report.SuccessCount)
	require.Len(t, report.Failures, 1)
	require.Equal(t, int64(8), report.Failures[0].EmployeeID)
}

func TestComputePeriodMapsErrors(t *testing.T) {
	cases := map[error]int{
		payroll.ErrRunInProgress:       http.StatusConflict,
		payroll.ErrPeriodNotComputable: http.StatusUnprocessableEntity,
		periods.ErrPeriodNotFound:      http.StatusNotFound,
		fmt.Errorf("boom"):             http.StatusInternalServerError,
	}
	for want, status := range cases {
		svc := &stubPayroll{computeFn: func(context.Context, shared.Actor, int64) (payroll.RunReport, error) {
			return payroll.RunReport{}, want
		}}
		rr := do(t, newTestRouter(Services{Payroll: svc}), http.MethodPost, "/periods/1/compute", "", testActor)
		require.Equal(t, status, rr.Code, want.Error())
	}
}

func TestRequestsWithoutActorAreRejected(t *testing.T) {
	router := newTestRouter(Services{Payroll: &stubPayroll{}, Periods: basePeriods()})
	rr := do(t, router, http.MethodPost, "/periods/1/compute", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, router, http.MethodPost, "/periods/abc/compute", "", testActor)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTransitionEntryReportsStates(t *testing.T) {
	svc := &stubPayroll{transitionFn: func(ctx context.Context, actor shared.Actor, entryID int64, target payroll.Status, note string) (payroll.Entry, error) {
		if target == payroll.StatusApproved {
			return payroll.Entry{}, shared.NewTransitionError("payroll_entry", payroll.StatusComputed, target)
		}
		require.Equal(t, "looks fine", note)
		return payroll.Entry{ID: entryID, Status: target}, nil
	}}
	router := newTestRouter(Services{Payroll: svc})

	rr := do(t, router, http.MethodPost, "/entries/4/transition", `{"status":"reviewed","note":"looks fine"}`, testActor)
	require.Equal(t, http.StatusOK, rr.Code)
	var e payroll.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	require.Equal(t, payroll.StatusReviewed, e.Status)

	rr = do(t, router, http.MethodPost, "/entries/4/transition", `{"status":"APPROVED"}`, testActor)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "COMPUTED", body["from"])
	require.Equal(t, "APPROVED", body["to"])

	rr = do(t, router, http.MethodPost, "/entries/4/transition", `{"note":"missing status"}`, testActor)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEntriesOfOtherCompaniesAreHidden(t *testing.T) {
	svc := &stubPayroll{entries: map[int64]payroll.Entry{
		10: {ID: 10, PeriodID: 1, Status: payroll.StatusComputed},
		11: {ID: 11, PeriodID: 2, Status: payroll.StatusComputed},
	}}
	router := newTestRouter(Services{Payroll: svc, Periods: basePeriods()})

	require.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/entries/10", "", testActor).Code)
	require.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/entries/11", "", testActor).Code)
	require.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/periods/2", "", testActor).Code)
}

func TestExportRegisterWritesCSV(t *testing.T) {
	svc := &stubPayroll{entries: map[int64]payroll.Entry{
		10: {
			ID: 10, PeriodID: 1, Status: payroll.StatusApproved,
			Employee: payroll.Employee{EmployeeNumber: "E-007", Name: "Juan"},
			GrossPay: decimal.NewFromInt(15000), NetPay: decimal.RequireFromString("12771.30"),
		},
	}}
	router := newTestRouter(Services{Payroll: svc, Periods: basePeriods()})

	rr := do(t, router, http.MethodGet, "/periods/1/register.csv", "", testActor)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "text/csv")
	require.Contains(t, rr.Body.String(), "E-007,Juan")
	require.Contains(t, rr.Body.String(), "12771.30")
}

func TestLedgerHoldRequiresReason(t *testing.T) {
	led := &stubLedger{}
	router := newTestRouter(Services{Ledger: led})

	rr := do(t, router, http.MethodPost, "/loans/5/hold", `{"reason":"on leave"}`, testActor)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, []ledger.ItemRef{{Kind: ledger.KindLoan, ID: 5}}, led.held)

	rr = do(t, router, http.MethodPost, "/adjustments/5/hold", "", testActor)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCalculateContribution(t *testing.T) {
	router := newTestRouter(Services{Contributions: stubContributions{}})

	rr := do(t, router, http.MethodGet, "/contributions/philhealth?compensation=30000&as_of=2025-03-15", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var res statutory.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.True(t, res.EmployeeShare.Equal(decimal.NewFromInt(750)))

	rr = do(t, router, http.MethodGet, "/contributions/sss?compensation=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodGet, "/contributions/unknown?compensation=100", "", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListEntriesPaginates(t *testing.T) {
	entries := make(map[int64]payroll.Entry)
	for id := int64(1); id <= 5; id++ {
		entries[id] = payroll.Entry{ID: id, PeriodID: 1, Status: payroll.StatusComputed}
	}
	router := newTestRouter(Services{Payroll: &stubPayroll{entries: entries}, Periods: basePeriods()})

	rr := do(t, router, http.MethodGet, "/periods/1/entries?page=2&per_page=2", "", testActor)
	require.Equal(t, http.StatusOK, rr.Code)
	var page entryPage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Data, 2)
	require.Equal(t, int64(3), page.Data[0].ID)
	require.Equal(t, shared.Pagination{Page: 2, PerPage: 2, Total: 5, TotalPages: 3}, page.Pagination)

	rr = do(t, router, http.MethodGet, "/periods/1/entries?page=9&per_page=2", "", testActor)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"data":[]`)
}

func TestCreateAdjustmentHonoursIdempotencyKey(t *testing.T) {
	calls := 0
	fail := false
	led := &stubLedger{createFn: func(in ledger.AdjustmentInput) (ledger.Adjustment, error) {
		calls++
		if fail {
			return ledger.Adjustment{}, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
		}
		return ledger.Adjustment{ID: 40, EmployeeID: in.EmployeeID, TypeCode: in.TypeCode}, nil
	}}
	keys := &memoryKeys{keys: map[string]string{}}
	router := newTestRouter(Services{Ledger: led, Idempotency: keys})

	body := `{"employee_id":7,"category":"earning","type_code":"allowance","frequency":"one_time","amount":"500"}`
	post := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/adjustments/", strings.NewReader(body))
		req.Header.Set(shared.IdempotencyHeader, key)
		req = req.WithContext(shared.ContextWithActor(req.Context(), *testActor))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusCreated, post("k-1").Code)
	require.Equal(t, http.StatusConflict, post("k-1").Code)
	require.Equal(t, 1, calls)
	require.Equal(t, "payroll.adjustment", keys.keys["1/k-1"])

	fail = true
	require.Equal(t, http.StatusBadRequest, post("k-2").Code)
	require.NotContains(t, keys.keys, "1/k-2")
	fail = false
	require.Equal(t, http.StatusCreated, post("k-2").Code)
	require.Equal(t, 3, calls)
}

type approvalsFunc func(module string, ref uuid.UUID) ([]shared.ApprovalLog, error)

func (f approvalsFunc) List(_ context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	return f(module, ref)
}

func TestEntryApprovalsListsHistory(t *testing.T) {
	ref := uuid.New()
	svc := &stubPayroll{entries: map[int64]payroll.Entry{
		4: {ID: 4, PeriodID: 1, RefID: ref, Status: payroll.StatusReviewed},
		5: {ID: 5, PeriodID: 2, RefID: uuid.New()},
	}}
	history := approvalsFunc(func(module string, got uuid.UUID) ([]shared.ApprovalLog, error) {
		require.Equal(t, payroll.ApprovalModule, module)
		require.Equal(t, ref, got)
		return []shared.ApprovalLog{{ID: 1, Module: module, RefID: got, ActorID: 9, Action: shared.ApprovalReview}}, nil
	})
	router := newTestRouter(Services{Payroll: svc, Periods: basePeriods(), Approvals: history})

	rr := do(t, router, http.MethodGet, "/entries/4/approvals", "", testActor)
	require.Equal(t, http.StatusOK, rr.Code)
	var logs []shared.ApprovalLog
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	require.Equal(t, shared.ApprovalReview, logs[0].Action)

	rr = do(t, router, http.MethodGet, "/entries/5/approvals", "", testActor)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecomputeAttendanceRange(t *testing.T) {
	att := &stubAttendance{}
	router := newTestRouter(Services{Attendance: att})

	rr := do(t, router, http.MethodPost, "/attendance/employees/7/recompute", `{"from":"2025-03-01","to":"2025-03-15"}`, testActor)
	require.Equal(t, http.StatusOK, rr.Code)
	var recs []attendance.DailyTimeRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 15)
	require.Equal(t, int64(7), recs[0].EmployeeID)
	require.Equal(t, []time.Time{
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}, att.recomputed)

	for _, body := range []string{
		`{"from":"2025-03-15","to":"2025-03-01"}`,
		`{"from":"2025-01-01","to":"2025-03-31"}`,
		`{"from":"March 1"}`,
	} {
		rr = do(t, router, http.MethodPost, "/attendance/employees/7/recompute", body, testActor)
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
	}

	rr = do(t, router, http.MethodPost, "/attendance/employees/7/recompute", `{"from":"2025-03-01","to":"2025-03-15"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Len(t, att.recomputed, 2)
}
