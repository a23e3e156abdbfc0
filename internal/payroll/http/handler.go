package payrollhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/attendance"
	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/payroll"
	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/platform/httpx"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
	"github.com/odyssey-hr/odyssey-payroll/internal/statutory"
)

const dateLayout = "2006-01-02"

type payrollService interface {
	ComputePeriod(ctx context.Context, actor shared.Actor, periodID int64) (payroll.RunReport, error)
	RecomputeEntry(ctx context.Context, actor shared.Actor, entryID int64) (payroll.Entry, error)
	TransitionEntry(ctx context.Context, actor shared.Actor, entryID int64, target payroll.Status, note string) (payroll.Entry, error)
	GetEntry(ctx context.Context, id int64) (payroll.Entry, error)
	ListEntries(ctx context.Context, periodID int64) ([]payroll.Entry, error)
	ExportRegister(ctx context.Context, periodID int64, w io.Writer) error
	Payslip(ctx context.Context, entryID int64) (payroll.Payslip, error)
}

type periodService interface {
	CreateCycle(ctx context.Context, actor shared.Actor, in periods.CycleInput) (periods.Cycle, error)
	CreatePeriod(ctx context.Context, actor shared.Actor, in periods.PeriodInput) (periods.Period, error)
	GeneratePeriods(ctx context.Context, actor shared.Actor, cycleID int64, year int, month time.Month) ([]periods.Period, error)
	CreateCorrectionPeriod(ctx context.Context, actor shared.Actor, closedID int64) (periods.Period, error)
	Transition(ctx context.Context, actor shared.Actor, periodID int64, target periods.Status) (periods.Period, error)
	GetPeriod(ctx context.Context, id int64) (periods.Period, error)
	ListPeriods(ctx context.Context, companyID int64, status periods.Status) ([]periods.Period, error)
}

type ledgerService interface {
	CreateAdjustment(ctx context.Context, actor shared.Actor, in ledger.AdjustmentInput) (ledger.Adjustment, error)
	ApplyAdjustment(ctx context.Context, actor shared.Actor, adjustmentID, periodID int64) (ledger.Application, error)
	CreateLoan(ctx context.Context, actor shared.Actor, in ledger.LoanInput) (ledger.Loan, error)
	RecordLoanPayment(ctx context.Context, actor shared.Actor, in ledger.LoanPaymentInput) (ledger.LoanPayment, error)
	Hold(ctx context.Context, actor shared.Actor, ref ledger.ItemRef, reason string) error
	Resume(ctx context.Context, actor shared.Actor, ref ledger.ItemRef) error
	Cancel(ctx context.Context, actor shared.Actor, ref ledger.ItemRef, reason string) error
}

type contributionService interface {
	CalculateContribution(ctx context.Context, typ statutory.ContributionType, compensation decimal.Decimal, asOf time.Time, freq statutory.PayFrequency) (statutory.Result, error)
}

type attendanceService interface {
	RecordPunch(ctx context.Context, actor shared.Actor, in attendance.PunchInput) (attendance.DailyTimeRecord, error)
	ListRange(ctx context.Context, employeeID int64, from, to time.Time) ([]attendance.DailyTimeRecord, error)
	RecomputeRange(ctx context.Context, actor shared.Actor, employeeID int64, from, to time.Time) ([]attendance.DailyTimeRecord, error)
}

type approvalHistory interface {
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// IdempotencyGuard reserves client supplied request keys.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, companyID int64, key, module string) error
	Delete(ctx context.Context, companyID int64, key string) error
}

// ComputeEnqueuer hands ComputePeriod to the background worker.
type ComputeEnqueuer interface {
	EnqueueComputePeriod(ctx context.Context, actor shared.Actor, periodID int64) (*asynq.TaskInfo, error)
}

// Services groups the domain services behind the payroll API.
type Services struct {
	Payroll       payrollService
	Periods       periodService
	Ledger        ledgerService
	Contributions contributionService
	Attendance    attendanceService
	Jobs          ComputeEnqueuer
	Idempotency   IdempotencyGuard
	Approvals     approvalHistory
	PDF           *payroll.PDFRenderer
}

// Handler serves the payroll JSON API.
type Handler struct {
	logger   *slog.Logger
	svc      Services
	validate *validator.Validate
}

// NewHandler constructs a payroll HTTP handler.
func NewHandler(logger *slog.Logger, svc Services) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, svc: svc, validate: validator.New()}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/cycles", func(r chi.Router) {
		r.Post("/", h.createCycle)
		r.Post("/{id}/generate", h.generatePeriods)
	})
	r.Route("/periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Post("/", h.createPeriod)
		r.Get("/{id}", h.getPeriod)
		r.Post("/{id}/transition", h.transitionPeriod)
		r.Post("/{id}/corrections", h.createCorrection)
		r.Post("/{id}/compute", h.computePeriod)
		r.Get("/{id}/entries", h.listEntries)
		r.Get("/{id}/register.csv", h.exportRegister)
	})
	r.Route("/entries", func(r chi.Router) {
		r.Get("/{id}", h.getEntry)
		r.Post("/{id}/recompute", h.recomputeEntry)
		r.Post("/{id}/transition", h.transitionEntry)
		r.Get("/{id}/payslip", h.payslip)
		r.Get("/{id}/approvals", h.entryApprovals)
	})
	r.Route("/adjustments", func(r chi.Router) {
		r.Post("/", h.createAdjustment)
		r.Post("/{id}/apply", h.applyAdjustment)
		for _, action := range []string{"hold", "resume", "cancel"} {
			r.Post("/{id}/"+action, h.ledgerStatus(ledger.KindAdjustment, action))
		}
	})
	r.Route("/loans", func(r chi.Router) {
		r.Post("/", h.createLoan)
		r.Post("/{id}/payments", h.recordLoanPayment)
		for _, action := range []string{"hold", "resume", "cancel"} {
			r.Post("/{id}/"+action, h.ledgerStatus(ledger.KindLoan, action))
		}
	})
	r.Get("/contributions/{type}", h.calculateContribution)
	r.Route("/attendance", func(r chi.Router) {
		r.Post("/punches", h.recordPunch)
		r.Get("/employees/{id}/dtr", h.listDTR)
		r.Post("/employees/{id}/recompute", h.recomputeDTR)
	})
}

type cycleRequest struct {
	Name              string `json:"name"`
	Frequency         string `json:"frequency"`
	FirstCutoffDay    int    `json:"first_cutoff_day"`
	PayDateOffsetDays int    `json:"pay_date_offset_days"`
}

func (h *Handler) createCycle(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req cycleRequest
	if !h.decode(w, r, &req) {
		return
	}
	cycle, err := h.svc.Periods.CreateCycle(r.Context(), actor, periods.CycleInput{
		Name:              strings.TrimSpace(req.Name),
		Frequency:         periods.Frequency(strings.ToUpper(req.Frequency)),
		FirstCutoffDay:    req.FirstCutoffDay,
		PayDateOffsetDays: req.PayDateOffsetDays,
	})
	if err != nil {
		h.fail(w, "create cycle", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cycle)
}

type generateRequest struct {
	Year  int `json:"year" validate:"required,gte=2000,lte=2100"`
	Month int `json:"month" validate:"required,gte=1,lte=12"`
}

func (h *Handler) generatePeriods(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req generateRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Periods.GeneratePeriods(r.Context(), actor, id, req.Year, time.Month(req.Month))
	if err != nil {
		h.fail(w, "generate periods", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	status := periods.Status(strings.ToUpper(r.URL.Query().Get("status")))
	out, err := h.svc.Periods.ListPeriods(r.Context(), actor.CompanyID, status)
	if err != nil {
		h.fail(w, "list periods", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

type periodRequest struct {
	CycleID     int64  `json:"cycle_id" validate:"required,gt=0"`
	Name        string `json:"name"`
	CutoffStart string `json:"cutoff_start" validate:"required,datetime=2006-01-02"`
	CutoffEnd   string `json:"cutoff_end" validate:"required,datetime=2006-01-02"`
	PayDate     string `json:"pay_date" validate:"omitempty,datetime=2006-01-02"`
	Sequence    int    `json:"sequence"`
}

func (h *Handler) createPeriod(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req periodRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := periods.PeriodInput{CycleID: req.CycleID, Name: req.Name, Sequence: req.Sequence}
	in.CutoffStart, _ = time.Parse(dateLayout, req.CutoffStart)
	in.CutoffEnd, _ = time.Parse(dateLayout, req.CutoffEnd)
	if req.PayDate != "" {
		in.PayDate, _ = time.Parse(dateLayout, req.PayDate)
	}
	p, err := h.svc.Periods.CreatePeriod(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "create period", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPeriod(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type transitionRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note" validate:"max=500"`
}

func (h *Handler) transitionPeriod(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.svc.Periods.Transition(r.Context(), actor, id, periods.Status(strings.ToUpper(req.Status)))
	if err != nil {
		h.fail(w, "transition period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) createCorrection(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Periods.CreateCorrectionPeriod(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "create correction period", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

// computePeriod runs synchronously unless ?async=1 and a job queue is configured.
func (h *Handler) computePeriod(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("async") == "1" && h.svc.Jobs != nil {
		info, err := h.svc.Jobs.EnqueueComputePeriod(r.Context(), actor, id)
		if err != nil {
			h.fail(w, "enqueue compute period", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": info.ID, "queue": info.Queue})
		return
	}
	report, err := h.svc.Payroll.ComputePeriod(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "compute period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

type entryPage struct {
	Data       []payroll.Entry   `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPeriod(w, r)
	if !ok {
		return
	}
	out, err := h.svc.Payroll.ListEntries(r.Context(), p.ID)
	if err != nil {
		h.fail(w, "list entries", err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage > 200 {
		perPage = 200
	}
	meta := shared.NewPagination(page, perPage, len(out))
	start, end := meta.Bounds()
	data := out[start:end]
	if data == nil {
		data = []payroll.Entry{}
	}
	httpx.JSON(w, http.StatusOK, entryPage{Data: data, Pagination: meta})
}

func (h *Handler) exportRegister(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPeriod(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := h.svc.Payroll.ExportRegister(r.Context(), p.ID, &buf); err != nil {
		h.fail(w, "export register", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=payroll-register-%d.csv", p.ID))
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadEntry(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, e)
}

func (h *Handler) entryApprovals(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadEntry(w, r)
	if !ok {
		return
	}
	if h.svc.Approvals == nil {
		httpx.JSON(w, http.StatusOK, []shared.ApprovalLog{})
		return
	}
	logs, err := h.svc.Approvals.List(r.Context(), payroll.ApprovalModule, e.RefID)
	if err != nil {
		h.fail(w, "list approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, logs)
}

func (h *Handler) recomputeEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	e, err := h.svc.Payroll.RecomputeEntry(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "recompute entry", err)
		return
	}
	httpx.JSON(w, http.StatusOK, e)
}

func (h *Handler) transitionEntry(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.svc.Payroll.TransitionEntry(r.Context(), actor, id, payroll.Status(strings.ToUpper(req.Status)), req.Note)
	if err != nil {
		h.fail(w, "transition entry", err)
		return
	}
	httpx.JSON(w, http.StatusOK, e)
}

// payslip renders HTML, or PDF through Gotenberg when ?format=pdf.
func (h *Handler) payslip(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadEntry(w, r)
	if !ok {
		return
	}
	slip, err := h.svc.Payroll.Payslip(r.Context(), e.ID)
	if err != nil {
		h.fail(w, "load payslip", err)
		return
	}
	var html bytes.Buffer
	if err := payroll.RenderPayslipHTML(&html, slip); err != nil {
		h.fail(w, "render payslip", err)
		return
	}
	if r.URL.Query().Get("format") != "pdf" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(html.Bytes())
		return
	}
	if h.svc.PDF == nil {
		httpx.Problem(w, http.StatusNotImplemented, "PDF Unavailable", "pdf renderer not configured")
		return
	}
	name := fmt.Sprintf("payslip-%s-%d", slip.Entry.Employee.EmployeeNumber, slip.Period.ID)
	pdf, err := h.svc.PDF.Render(r.Context(), name, html.Bytes())
	if err != nil {
		h.logger.Error("render payslip pdf", slog.Int64("entry_id", e.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "PDF Render Failed", "")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename="+name+".pdf")
	_, _ = w.Write(pdf)
}

type adjustmentRequest struct {
	EmployeeID           int64           `json:"employee_id"`
	Category             string          `json:"category"`
	TypeCode             string          `json:"type_code"`
	Description          string          `json:"description"`
	Taxable              bool            `json:"taxable"`
	Frequency            string          `json:"frequency"`
	TargetPeriodID       *int64          `json:"target_period_id"`
	RecurringStart       string          `json:"recurring_start" validate:"omitempty,datetime=2006-01-02"`
	RecurringEnd         string          `json:"recurring_end" validate:"omitempty,datetime=2006-01-02"`
	Interval             string          `json:"interval"`
	RemainingOccurrences *int            `json:"remaining_occurrences"`
	Amount               decimal.Decimal `json:"amount"`
	HasBalanceTracking   bool            `json:"has_balance_tracking"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
}

func (h *Handler) createAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	release, ok := h.claimKey(w, r, actor, "payroll.adjustment")
	if !ok {
		return
	}
	a, err := h.svc.Ledger.CreateAdjustment(r.Context(), actor, ledger.AdjustmentInput{
		EmployeeID:           req.EmployeeID,
		Category:             ledger.Category(strings.ToUpper(req.Category)),
		TypeCode:             strings.ToUpper(strings.TrimSpace(req.TypeCode)),
		Description:          req.Description,
		Taxable:              req.Taxable,
		Frequency:            ledger.Frequency(strings.ToUpper(req.Frequency)),
		TargetPeriodID:       req.TargetPeriodID,
		RecurringStart:       optionalDate(req.RecurringStart),
		RecurringEnd:         optionalDate(req.RecurringEnd),
		Interval:             ledger.Interval(strings.ToUpper(req.Interval)),
		RemainingOccurrences: req.RemainingOccurrences,
		Amount:               req.Amount,
		HasBalanceTracking:   req.HasBalanceTracking,
		TotalAmount:          req.TotalAmount,
	})
	if err != nil {
		release()
		h.fail(w, "create adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

type applyRequest struct {
	PeriodID int64 `json:"period_id" validate:"required,gt=0"`
}

func (h *Handler) applyAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if !h.decode(w, r, &req) {
		return
	}
	row, err := h.svc.Ledger.ApplyAdjustment(r.Context(), actor, id, req.PeriodID)
	if err != nil {
		h.fail(w, "apply adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, row)
}

type loanRequest struct {
	EmployeeID       int64           `json:"employee_id"`
	Type             string          `json:"type"`
	Reference        string          `json:"reference"`
	Principal        decimal.Decimal `json:"principal"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	MonthlyDeduction decimal.Decimal `json:"monthly_deduction"`
	TermMonths       int             `json:"term_months"`
	StartDate        string          `json:"start_date" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) createLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req loanRequest
	if !h.decode(w, r, &req) {
		return
	}
	release, ok := h.claimKey(w, r, actor, "payroll.loan")
	if !ok {
		return
	}
	start, _ := time.Parse(dateLayout, req.StartDate)
	l, err := h.svc.Ledger.CreateLoan(r.Context(), actor, ledger.LoanInput{
		EmployeeID:       req.EmployeeID,
		Type:             ledger.LoanType(strings.ToUpper(req.Type)),
		Reference:        req.Reference,
		Principal:        req.Principal,
		TotalAmount:      req.TotalAmount,
		MonthlyDeduction: req.MonthlyDeduction,
		TermMonths:       req.TermMonths,
		StartDate:        start,
	})
	if err != nil {
		release()
		h.fail(w, "create loan", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, l)
}

type paymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (h *Handler) recordLoanPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	release, ok := h.claimKey(w, r, actor, "payroll.loan_payment")
	if !ok {
		return
	}
	p, err := h.svc.Ledger.RecordLoanPayment(r.Context(), actor, ledger.LoanPaymentInput{
		LoanID:    id,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		release()
		h.fail(w, "record loan payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

type statusRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

func (h *Handler) ledgerStatus(kind ledger.ItemKind, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		id, ok := h.pathID(w, r)
		if !ok {
			return
		}
		var req statusRequest
		if r.ContentLength != 0 && !h.decode(w, r, &req) {
			return
		}
		ref := ledger.ItemRef{Kind: kind, ID: id}
		var err error
		switch action {
		case "hold":
			err = h.svc.Ledger.Hold(r.Context(), actor, ref, req.Reason)
		case "resume":
			err = h.svc.Ledger.Resume(r.Context(), actor, ref)
		case "cancel":
			err = h.svc.Ledger.Cancel(r.Context(), actor, ref, req.Reason)
		}
		if err != nil {
			h.fail(w, "ledger status", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) calculateContribution(w http.ResponseWriter, r *http.Request) {
	typ := statutory.ContributionType(strings.ToUpper(chi.URLParam(r, "type")))
	q := r.URL.Query()
	compensation, err := decimal.NewFromString(q.Get("compensation"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "compensation must be a decimal")
		return
	}
	asOf := time.Now().UTC()
	if v := q.Get("as_of"); v != "" {
		if asOf, err = time.Parse(dateLayout, v); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
			return
		}
	}
	freq := statutory.PayFrequency(strings.ToUpper(q.Get("frequency")))
	if freq == "" {
		freq = statutory.FrequencyMonthly
	}
	res, err := h.svc.Contributions.CalculateContribution(r.Context(), typ, compensation, asOf, freq)
	if err != nil {
		h.fail(w, "calculate contribution", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type punchRequest struct {
	EmployeeID int64     `json:"employee_id"`
	Type       string    `json:"type"`
	At         time.Time `json:"at"`
	Source     string    `json:"source"`
}

func (h *Handler) recordPunch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req punchRequest
	if !h.decode(w, r, &req) {
		return
	}
	dtr, err := h.svc.Attendance.RecordPunch(r.Context(), actor, attendance.PunchInput{
		EmployeeID: req.EmployeeID,
		Type:       attendance.PunchType(strings.ToUpper(req.Type)),
		At:         req.At,
		Source:     req.Source,
	})
	if err != nil {
		h.fail(w, "record punch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dtr)
}

func (h *Handler) listDTR(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	from, err1 := time.Parse(dateLayout, r.URL.Query().Get("from"))
	to, err2 := time.Parse(dateLayout, r.URL.Query().Get("to"))
	if err1 != nil || err2 != nil || to.Before(from) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from and to must be YYYY-MM-DD with from <= to")
		return
	}
	out, err := h.svc.Attendance.ListRange(r.Context(), id, from, to)
	if err != nil {
		h.fail(w, "list dtr", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

// maxRecomputeDays bounds one recompute request to about two monthly cutoffs.
const maxRecomputeDays = 62

type recomputeRequest struct {
	From string `json:"from" validate:"required,datetime=2006-01-02"`
	To   string `json:"to" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) recomputeDTR(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req recomputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, _ := time.Parse(dateLayout, req.From)
	to, _ := time.Parse(dateLayout, req.To)
	if to.Before(from) || to.Sub(from) >= maxRecomputeDays*24*time.Hour {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed",
			fmt.Sprintf("to must not precede from and the range is limited to %d days", maxRecomputeDays))
		return
	}
	out, err := h.svc.Attendance.RecomputeRange(r.Context(), actor, id, from, to)
	if err != nil {
		h.fail(w, "recompute dtr", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || !actor.Valid() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor required")
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed JSON body", httpx.ErrValidation))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

// loadPeriod resolves the {id} period and hides periods of other companies.
func (h *Handler) loadPeriod(w http.ResponseWriter, r *http.Request) (periods.Period, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return periods.Period{}, false
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return periods.Period{}, false
	}
	p, err := h.svc.Periods.GetPeriod(r.Context(), id)
	if err == nil && p.CompanyID != actor.CompanyID {
		err = periods.ErrPeriodNotFound
	}
	if err != nil {
		h.fail(w, "get period", err)
		return periods.Period{}, false
	}
	return p, true
}

func (h *Handler) loadEntry(w http.ResponseWriter, r *http.Request) (payroll.Entry, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return payroll.Entry{}, false
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return payroll.Entry{}, false
	}
	e, err := h.svc.Payroll.GetEntry(r.Context(), id)
	if err == nil {
		var p periods.Period
		p, err = h.svc.Periods.GetPeriod(r.Context(), e.PeriodID)
		if err == nil && p.CompanyID != actor.CompanyID {
			err = payroll.ErrEntryNotFound
		}
	}
	if err != nil {
		h.fail(w, "get entry", err)
		return payroll.Entry{}, false
	}
	return e, true
}

// claimKey reserves the request's Idempotency-Key. The returned release frees the key
// again when the request fails so the client can retry with it.
func (h *Handler) claimKey(w http.ResponseWriter, r *http.Request, actor shared.Actor, module string) (func(), bool) {
	key := strings.TrimSpace(r.Header.Get(shared.IdempotencyHeader))
	if key == "" || h.svc.Idempotency == nil {
		return func() {}, true
	}
	if err := h.svc.Idempotency.CheckAndInsert(r.Context(), actor.CompanyID, key, module); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
			return nil, false
		}
		h.fail(w, "claim idempotency key", err)
		return nil, false
	}
	return func() {
		if err := h.svc.Idempotency.Delete(context.WithoutCancel(r.Context()), actor.CompanyID, key); err != nil {
			h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}, true
}

func optionalDate(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil
	}
	return &t
}

// fail maps domain errors to problem responses.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status, title := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, status, title, "")
		return
	}
	h.logger.Warn(op, slog.Any("error", err))
	var te *shared.TransitionError
	if errors.As(err, &te) {
		httpx.JSON(w, status, map[string]any{
			"title":  title,
			"status": status,
			"detail": err.Error(),
			"from":   te.From,
			"to":     te.To,
		})
		return
	}
	httpx.Problem(w, status, title, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, payroll.ErrEntryNotFound), errors.Is(err, payroll.ErrEmployeeNotFound),
		errors.Is(err, periods.ErrPeriodNotFound), errors.Is(err, periods.ErrCycleNotFound),
		errors.Is(err, ledger.ErrAdjustmentNotFound), errors.Is(err, ledger.ErrLoanNotFound),
		errors.Is(err, ledger.ErrPeriodNotFound), errors.Is(err, attendance.ErrDTRNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, payroll.ErrRunInProgress), errors.Is(err, ledger.ErrAlreadyApplied), errors.Is(err, periods.ErrPeriodOverlap):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, payroll.ErrPeriodNotComputable), errors.Is(err, payroll.ErrEntryNotEditable), errors.Is(err, payroll.ErrNotApproved),
		errors.Is(err, payroll.ErrEntryFailed),
		errors.Is(err, ledger.ErrNotApplicable), errors.Is(err, ledger.ErrOverpayment),
		errors.Is(err, ledger.ErrPeriodNotOpen), errors.Is(err, ledger.ErrEntryApproved),
		errors.Is(err, periods.ErrNoEntries), errors.Is(err, periods.ErrEntriesNotApproved),
		errors.Is(err, periods.ErrNotClosed), errors.Is(err, attendance.ErrDTRLocked):
		return http.StatusUnprocessableEntity, "Unprocessable"
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, periods.ErrInvalidInput),
		errors.Is(err, attendance.ErrInvalidPunch), errors.Is(err, attendance.ErrInvalidSchedule),
		errors.Is(err, statutory.ErrUnknownType), errors.Is(err, statutory.ErrInvalidBracketTable),
		errors.Is(err, shared.ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, "Validation Failed"
	case payroll.IsConfigurationError(err):
		return http.StatusUnprocessableEntity, "Configuration Error"
	}
	return httpx.StatusFor(err)
}
