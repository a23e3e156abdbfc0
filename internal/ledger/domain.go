// Package ledger tracks balance-bearing payroll adjustments and loans and applies them
// to payroll periods exactly once.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// Category tells whether an adjustment adds to or deducts from pay.
type Category string

const (
	CategoryEarning   Category = "EARNING"
	CategoryDeduction Category = "DEDUCTION"
)

// Frequency distinguishes one-time from recurring adjustments.
type Frequency string

const (
	FrequencyOneTime   Frequency = "ONE_TIME"
	FrequencyRecurring Frequency = "RECURRING"
)

// Interval picks which periods of a month a recurring item applies to.
type Interval string

const (
	IntervalEveryPeriod Interval = "EVERY_PERIOD"
	IntervalFirstHalf   Interval = "FIRST_HALF"
	IntervalSecondHalf  Interval = "SECOND_HALF"
)

// Status is shared by adjustments and loans.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusOnHold    Status = "ON_HOLD"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

var statusTransitions = map[Status][]Status{
	StatusActive: {StatusOnHold, StatusCancelled, StatusCompleted},
	StatusOnHold: {StatusActive, StatusCompleted},
}

// CanTransitionTo reports whether next is reachable from s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsApplicable reports whether items in this status may be applied to a period.
func (s Status) IsApplicable() bool {
	return s == StatusActive
}

// IsTerminal reports whether no further transitions exist.
func (s Status) IsTerminal() bool {
	return len(statusTransitions[s]) == 0
}

// ItemKind discriminates ledger items.
type ItemKind string

const (
	KindAdjustment ItemKind = "ADJUSTMENT"
	KindLoan       ItemKind = "LOAN"
)

// PeriodRef is the slice of a payroll period the ledger needs.
type PeriodRef struct {
	ID              int64
	CutoffStart     time.Time
	CutoffEnd       time.Time
	Sequence        int
	PeriodsPerMonth int
	Status          periods.Status
}

func (p PeriodRef) matches(interval Interval) bool {
	switch interval {
	case IntervalFirstHalf:
		return p.Sequence == 1
	case IntervalSecondHalf:
		return p.Sequence == max(1, p.PeriodsPerMonth)
	}
	return true
}

// Adjustment is an earning or deduction applied through payroll.
type Adjustment struct {
	ID                   int64           `json:"id"`
	EmployeeID           int64           `json:"employee_id"`
	Category             Category        `json:"category"`
	TypeCode             string          `json:"type_code"`
	Description          string          `json:"description"`
	Taxable              bool            `json:"taxable"`
	Frequency            Frequency       `json:"frequency"`
	TargetPeriodID       *int64          `json:"target_period_id,omitempty"`
	RecurringStart       *time.Time      `json:"recurring_start,omitempty"`
	RecurringEnd         *time.Time      `json:"recurring_end,omitempty"`
	Interval             Interval        `json:"interval,omitempty"`
	RemainingOccurrences *int            `json:"remaining_occurrences,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	HasBalanceTracking   bool            `json:"has_balance_tracking"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	TotalApplied         decimal.Decimal `json:"total_applied"`
	RemainingBalance     decimal.Decimal `json:"remaining_balance"`
	Status               Status          `json:"status"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IsApplicableForPeriod reports whether the adjustment is due in period. alreadyApplied
// is the idempotency guard: an item with a ledger row for the period is never due again.
func (a Adjustment) IsApplicableForPeriod(p PeriodRef, alreadyApplied bool) bool {
	if alreadyApplied || !a.Status.IsApplicable() {
		return false
	}
	if a.HasBalanceTracking && !a.RemainingBalance.IsPositive() {
		return false
	}
	switch a.Frequency {
	case FrequencyOneTime:
		return a.TargetPeriodID != nil && *a.TargetPeriodID == p.ID
	case FrequencyRecurring:
		if a.RecurringStart == nil || a.RecurringStart.After(p.CutoffEnd) {
			return false
		}
		if a.RecurringEnd != nil && a.RecurringEnd.Before(p.CutoffStart) {
			return false
		}
		if a.RemainingOccurrences != nil && *a.RemainingOccurrences <= 0 {
			return false
		}
		return p.matches(a.Interval)
	}
	return false
}

// AmountForPeriod is the configured amount, capped at the remaining balance when tracked.
func (a Adjustment) AmountForPeriod() decimal.Decimal {
	if a.HasBalanceTracking {
		return shared.MinDecimal(a.Amount, a.RemainingBalance)
	}
	return a.Amount
}

// Balanced reports whether the conservation invariant holds.
func (a Adjustment) Balanced() bool {
	if !a.HasBalanceTracking {
		return true
	}
	return a.TotalApplied.Add(a.RemainingBalance).Equal(a.TotalAmount)
}

// apply mutates the adjustment for one application and returns the ledger row.
func (a *Adjustment) apply(period PeriodRef, entryID *int64, amount decimal.Decimal, now time.Time) Application {
	row := Application{
		AdjustmentID:  a.ID,
		PeriodID:      period.ID,
		EntryID:       entryID,
		Amount:        amount,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  decimal.Zero,
		AppliedAt:     now,
	}
	a.TotalApplied = a.TotalApplied.Add(amount)
	if a.HasBalanceTracking {
		row.BalanceBefore = a.RemainingBalance
		row.BalanceAfter = shared.MaxDecimal(decimal.Zero, a.RemainingBalance.Sub(amount))
		a.RemainingBalance = row.BalanceAfter
		if row.BalanceAfter.IsZero() {
			a.complete(now, "balance_exhausted")
		}
	}
	if a.RemainingOccurrences != nil {
		left := *a.RemainingOccurrences - 1
		a.RemainingOccurrences = &left
		if left <= 0 {
			a.complete(now, "occurrences_exhausted")
		}
	}
	if a.Frequency == FrequencyOneTime {
		a.complete(now, "applied")
	}
	a.UpdatedAt = now
	return row
}

func (a *Adjustment) complete(now time.Time, reason string) {
	if a.Status == StatusCompleted {
		return
	}
	a.Status = StatusCompleted
	a.Metadata = withMeta(a.Metadata, map[string]any{"completed_at": now, "completion_reason": reason})
}

// Application is the append-only ledger row of an adjustment.
type Application struct {
	ID            int64           `json:"id"`
	AdjustmentID  int64           `json:"adjustment_id"`
	PeriodID      int64           `json:"period_id"`
	EntryID       *int64          `json:"entry_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	AppliedAt     time.Time       `json:"applied_at"`
}

// LoanType classifies loans.
type LoanType string

const (
	LoanSSSSalary   LoanType = "SSS_SALARY"
	LoanSSSCalamity LoanType = "SSS_CALAMITY"
	LoanPagIBIGMPL  LoanType = "PAGIBIG_MPL"
	LoanCompany     LoanType = "COMPANY"
	LoanCashAdvance LoanType = "CASH_ADVANCE"
)

// Loan is an amortised deduction.
type Loan struct {
	ID               int64           `json:"id"`
	EmployeeID       int64           `json:"employee_id"`
	Type             LoanType        `json:"type"`
	Reference        string          `json:"reference"`
	Principal        decimal.Decimal `json:"principal"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	MonthlyDeduction decimal.Decimal `json:"monthly_deduction"`
	TermMonths       int             `json:"term_months"`
	StartDate        time.Time       `json:"start_date"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	Status           Status          `json:"status"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsApplicableForPeriod reports whether an amortisation is due in period.
func (l Loan) IsApplicableForPeriod(p PeriodRef, alreadyPaid bool) bool {
	if alreadyPaid || !l.Status.IsApplicable() || !l.RemainingBalance.IsPositive() {
		return false
	}
	return !l.StartDate.After(p.CutoffEnd)
}

// AmountForPeriod splits the monthly deduction across the periods of a month and caps
// it at the remaining balance.
func (l Loan) AmountForPeriod(p PeriodRef) decimal.Decimal {
	perMonth := int64(max(1, p.PeriodsPerMonth))
	due := shared.Round2(l.MonthlyDeduction.Div(decimal.NewFromInt(perMonth)))
	return shared.MinDecimal(due, l.RemainingBalance)
}

// Balanced reports whether total_paid + remaining_balance == total_amount.
func (l Loan) Balanced() bool {
	return l.TotalPaid.Add(l.RemainingBalance).Equal(l.TotalAmount)
}

func (l *Loan) pay(amount decimal.Decimal, now time.Time) (before, after decimal.Decimal) {
	before = l.RemainingBalance
	after = shared.MaxDecimal(decimal.Zero, before.Sub(amount))
	l.TotalPaid = l.TotalPaid.Add(amount)
	l.RemainingBalance = after
	if after.IsZero() && l.Status != StatusCompleted {
		l.Status = StatusCompleted
		l.Metadata = withMeta(l.Metadata, map[string]any{"completed_at": now, "completion_reason": "paid_off"})
	}
	l.UpdatedAt = now
	return before, after
}

// PaymentSource records how a loan payment was made.
type PaymentSource string

const (
	SourcePayroll PaymentSource = "PAYROLL"
	SourceManual  PaymentSource = "MANUAL"
)

// LoanPayment is the append-only ledger row of a loan.
type LoanPayment struct {
	ID            int64           `json:"id"`
	LoanID        int64           `json:"loan_id"`
	PeriodID      *int64          `json:"period_id,omitempty"`
	EntryID       *int64          `json:"entry_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Source        PaymentSource   `json:"source"`
	Reference     string          `json:"reference"`
	PaidAt        time.Time       `json:"paid_at"`
}

func withMeta(meta map[string]any, kv map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+len(kv))
	for k, v := range meta {
		out[k] = v
	}
	for k, v := range kv {
		out[k] = v
	}
	return out
}

var (
	ErrAdjustmentNotFound = errors.New("ledger: adjustment not found")
	ErrLoanNotFound       = errors.New("ledger: loan not found")
	ErrPeriodNotFound     = errors.New("ledger: payroll period not found")
	// ErrAlreadyApplied indicates a ledger row already exists for (item, period).
	ErrAlreadyApplied = errors.New("ledger: item already applied to period")
	// ErrNotApplicable indicates the item is not due in the requested period.
	ErrNotApplicable = errors.New("ledger: item not applicable to period")
	// ErrPeriodNotOpen indicates a manual posting to a period that no longer computes.
	ErrPeriodNotOpen = errors.New("ledger: period does not accept postings")
	// ErrEntryApproved indicates the employee's entry for the period is already approved.
	ErrEntryApproved = errors.New("ledger: payroll entry for period is approved")
	// ErrOverpayment indicates a manual payment larger than the remaining balance.
	ErrOverpayment = errors.New("ledger: payment exceeds remaining balance")
	// ErrInvalidStatusTransition matches every rejected status change.
	ErrInvalidStatusTransition = shared.ErrInvalidTransition
	ErrInvalidInput            = errors.New("ledger: invalid input")
)
