// Package payroll computes payroll entries for a period and drives their approval.
package payroll

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
	"github.com/odyssey-hr/odyssey-payroll/internal/statutory"
)

// Status enumerates payroll entry lifecycle stages.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusComputed Status = "COMPUTED"
	StatusReviewed Status = "REVIEWED"
	StatusApproved Status = "APPROVED"
)

// ApprovalModule names payroll entries in the approval history.
const ApprovalModule = "payroll_entry"

var transitions = map[Status][]Status{
	StatusDraft:    {StatusComputed},
	StatusComputed: {StatusComputed, StatusReviewed},
	StatusReviewed: {StatusComputed, StatusApproved},
}

// CanTransitionTo reports whether next is reachable from s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Editable reports whether an entry in this status may be (re)computed.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusComputed || s == StatusReviewed
}

// PayBasis tells how BasicSalary is expressed.
type PayBasis string

const (
	BasisMonthly PayBasis = "MONTHLY"
	BasisDaily   PayBasis = "DAILY"
)

// Employee is the compensation snapshot taken when an entry is computed.
type Employee struct {
	ID                int64           `json:"id"`
	CompanyID         int64           `json:"company_id"`
	EmployeeNumber    string          `json:"employee_number"`
	Name              string          `json:"name"`
	Position          string          `json:"position"`
	Department        string          `json:"department"`
	PayBasis          PayBasis        `json:"pay_basis"`
	BasicSalary       decimal.Decimal `json:"basic_salary"`
	MinimumWageEarner bool            `json:"minimum_wage_earner"`
	TaxExempt         bool            `json:"tax_exempt"`
}

// Category splits entry lines into earnings and deductions.
type Category string

const (
	CategoryEarning   Category = "EARNING"
	CategoryDeduction Category = "DEDUCTION"
)

// Line codes produced by the computation itself. Ledger lines carry the item's code.
const (
	CodeBasic          = "BASIC"
	CodeOvertime       = "OVERTIME"
	CodeNightDiff      = "NIGHT_DIFF"
	CodeHolidayPremium = "HOLIDAY_PREMIUM"
	CodeRestDay        = "REST_DAY"
	CodeSSS            = "SSS"
	CodePhilHealth     = "PHILHEALTH"
	CodePagIBIG        = "PAGIBIG"
	CodeWithholdingTax = "WITHHOLDING_TAX"
)

// Line is one earning or deduction row of an entry.
type Line struct {
	ID            int64           `json:"id,omitempty"`
	EntryID       int64           `json:"entry_id,omitempty"`
	Category      Category        `json:"category"`
	Code          string          `json:"code"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	Rate          decimal.Decimal `json:"rate"`
	Amount        decimal.Decimal `json:"amount"`
	EmployerShare decimal.Decimal `json:"employer_share"`
	Taxable       bool            `json:"taxable"`
	LedgerKind    ledger.ItemKind `json:"ledger_kind,omitempty"`
	LedgerItemID  *int64          `json:"ledger_item_id,omitempty"`
	LedgerRowID   *int64          `json:"ledger_row_id,omitempty"`
}

// Attendance is the DTR rollup an entry was computed from.
type Attendance struct {
	DaysWorked         decimal.Decimal `json:"days_worked"`
	PayableDays        decimal.Decimal `json:"payable_days"`
	AbsentDays         decimal.Decimal `json:"absent_days"`
	LateMinutes        int             `json:"late_minutes"`
	UndertimeMinutes   int             `json:"undertime_minutes"`
	OvertimeMinutes    int             `json:"overtime_minutes"`
	ApprovedOTMinutes  int             `json:"approved_overtime_minutes"`
	NightDiffMinutes   int             `json:"night_diff_minutes"`
	HolidayWorkMinutes int             `json:"holiday_work_minutes"`
	RestDayWorkMinutes int             `json:"rest_day_work_minutes"`
	ReviewDays         int             `json:"review_days"`
}

// Entry is one employee's pay for one period.
type Entry struct {
	ID              int64           `json:"id"`
	PeriodID        int64           `json:"period_id"`
	EmployeeID      int64           `json:"employee_id"`
	RefID           uuid.UUID       `json:"ref_id"`
	Employee        Employee        `json:"employee"`
	Attendance      Attendance      `json:"attendance"`
	Earnings        []Line          `json:"earnings"`
	Deductions      []Line          `json:"deductions"`
	GrossPay        decimal.Decimal `json:"gross_pay"`
	TaxableIncome   decimal.Decimal `json:"taxable_income"`
	TotalDeductions decimal.Decimal `json:"total_deductions"`
	NetPay          decimal.Decimal `json:"net_pay"`
	EmployerCost    decimal.Decimal `json:"employer_contributions"`
	Status          Status          `json:"status"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	ComputedAt      *time.Time      `json:"computed_at,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	ReviewedBy      *int64          `json:"reviewed_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy      *int64          `json:"approved_by,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Lines returns earnings followed by deductions.
func (e Entry) Lines() []Line {
	out := make([]Line, 0, len(e.Earnings)+len(e.Deductions))
	out = append(out, e.Earnings...)
	return append(out, e.Deductions...)
}

// Period is the slice of a payroll period computation needs.
type Period struct {
	ID              int64
	CompanyID       int64
	Name            string
	CutoffStart     time.Time
	CutoffEnd       time.Time
	PayDate         time.Time
	Sequence        int
	PeriodsPerMonth int
	Status          periods.Status
}

// PeriodFrom converts a stored period.
func PeriodFrom(p periods.Period) Period {
	return Period{
		ID:              p.ID,
		CompanyID:       p.CompanyID,
		Name:            p.Name,
		CutoffStart:     p.CutoffStart,
		CutoffEnd:       p.CutoffEnd,
		PayDate:         p.PayDate,
		Sequence:        p.Sequence,
		PeriodsPerMonth: p.PeriodsPerMonth(),
		Status:          p.Status,
	}
}

// Ref is the ledger view of the period.
func (p Period) Ref() ledger.PeriodRef {
	return ledger.PeriodRef{
		ID:              p.ID,
		CutoffStart:     p.CutoffStart,
		CutoffEnd:       p.CutoffEnd,
		Sequence:        p.Sequence,
		PeriodsPerMonth: p.PeriodsPerMonth,
		Status:          p.Status,
	}
}

// TaxFrequency selects the withholding table matching the period cadence.
func (p Period) TaxFrequency() statutory.PayFrequency {
	if p.PeriodsPerMonth == 2 {
		return statutory.FrequencySemiMonthly
	}
	return statutory.FrequencyMonthly
}

// FailureKind classifies a per-employee failure in a batch run.
type FailureKind string

const (
	FailureConfiguration FailureKind = "CONFIGURATION"
	FailureInvariant     FailureKind = "INVARIANT"
	FailureInternal      FailureKind = "INTERNAL"
)

// Failure is one employee that could not be computed.
type Failure struct {
	EmployeeID int64       `json:"employee_id"`
	Reason     string      `json:"reason"`
	Kind       FailureKind `json:"kind"`
}

// RunReport summarises a ComputePeriod run.
type RunReport struct {
	RunID        uuid.UUID      `json:"run_id"`
	PeriodID     int64          `json:"period_id"`
	SuccessCount int            `json:"success_count"`
	Skipped      int            `json:"skipped"`
	Failures     []Failure      `json:"failures"`
	Totals       periods.Totals `json:"totals"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

var (
	ErrEntryNotFound    = errors.New("payroll: entry not found")
	ErrEmployeeNotFound = errors.New("payroll: employee not found")
	// ErrPeriodNotComputable indicates the period is neither Open nor Processing.
	ErrPeriodNotComputable = errors.New("payroll: period does not allow computation")
	// ErrEntryNotEditable indicates the entry is Approved.
	ErrEntryNotEditable = errors.New("payroll: entry is not editable")
	// ErrEntryFailed indicates the last computation of the entry failed.
	ErrEntryFailed = errors.New("payroll: entry has an unresolved computation failure")
	// ErrMissingCompensation is a configuration error: no usable basic salary.
	ErrMissingCompensation = errors.New("payroll: employee has no basic salary")
	// ErrMissingSchedule is a configuration error: a worked day has no schedule.
	ErrMissingSchedule = errors.New("payroll: worked day without work schedule")
	// ErrRunInProgress indicates another ComputePeriod run holds the period lock.
	ErrRunInProgress     = errors.New("payroll: period computation already running")
	ErrNotApproved       = errors.New("payroll: entry is not approved")
	ErrInvalidTransition = shared.ErrInvalidTransition
)

// IsConfigurationError reports errors that leave the entry in Draft with a reason.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrMissingCompensation) || errors.Is(err, ErrMissingSchedule) ||
		statutory.IsConfigurationError(err)
}

// classify maps a per-entry error to its failure kind.
func classify(err error) FailureKind {
	switch {
	case IsConfigurationError(err):
		return FailureConfiguration
	case ledger.IsInvariantViolation(err), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrEntryNotEditable),
		errors.Is(err, ErrPeriodNotComputable):
		return FailureInvariant
	}
	return FailureInternal
}
