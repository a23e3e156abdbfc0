// Package periods manages payroll cycles and the lifecycle of payroll periods.
package periods

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// Frequency is the cadence of a payroll cycle.
type Frequency string

const (
	FrequencySemiMonthly Frequency = "SEMI_MONTHLY"
	FrequencyMonthly     Frequency = "MONTHLY"
)

// PeriodsPerMonth returns how many periods the cycle produces in a month.
func (f Frequency) PeriodsPerMonth() int {
	if f == FrequencySemiMonthly {
		return 2
	}
	return 1
}

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	return f == FrequencySemiMonthly || f == FrequencyMonthly
}

// Cycle is a company's payroll calendar template.
type Cycle struct {
	ID                int64     `json:"id"`
	CompanyID         int64     `json:"company_id"`
	Name              string    `json:"name"`
	Frequency         Frequency `json:"frequency"`
	FirstCutoffDay    int       `json:"first_cutoff_day"`
	PayDateOffsetDays int       `json:"pay_date_offset_days"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

// Status enumerates payroll period lifecycle stages.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusOpen       Status = "OPEN"
	StatusProcessing Status = "PROCESSING"
	StatusClosed     Status = "CLOSED"
)

var transitions = map[Status][]Status{
	StatusDraft:      {StatusOpen},
	StatusOpen:       {StatusProcessing},
	StatusProcessing: {StatusOpen, StatusClosed},
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

// AllowsCompute reports whether entries of a period in this status may be computed.
func (s Status) AllowsCompute() bool {
	return s == StatusOpen || s == StatusProcessing
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusOpen, StatusProcessing, StatusClosed:
		return true
	}
	return false
}

// Type distinguishes regular periods from corrections of a closed one.
type Type string

const (
	TypeRegular    Type = "REGULAR"
	TypeCorrection Type = "CORRECTION"
)

// Totals are the aggregates of a period's entries.
type Totals struct {
	Gross         decimal.Decimal `json:"gross"`
	Deductions    decimal.Decimal `json:"deductions"`
	Net           decimal.Decimal `json:"net"`
	EmployeeCount int             `json:"employee_count"`
}

// Period is one payroll run window.
type Period struct {
	ID               int64      `json:"id"`
	CompanyID        int64      `json:"company_id"`
	CycleID          int64      `json:"cycle_id"`
	Frequency        Frequency  `json:"frequency"`
	Name             string     `json:"name"`
	CutoffStart      time.Time  `json:"cutoff_start"`
	CutoffEnd        time.Time  `json:"cutoff_end"`
	PayDate          time.Time  `json:"pay_date"`
	Sequence         int        `json:"sequence"`
	Status           Status     `json:"status"`
	Type             Type       `json:"type"`
	CorrectsPeriodID *int64     `json:"corrects_period_id,omitempty"`
	Totals           Totals     `json:"totals"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	ClosedBy         *int64     `json:"closed_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PeriodsPerMonth is derived from the owning cycle.
func (p Period) PeriodsPerMonth() int {
	return p.Frequency.PeriodsPerMonth()
}

// Overlaps reports whether the cutoff windows share at least one day.
func (p Period) Overlaps(start, end time.Time) bool {
	return !p.CutoffStart.After(end) && !start.After(p.CutoffEnd)
}

// exemptFrom reports whether a correction of original may overlap p.
func (p Period) exemptFrom(originalID int64) bool {
	if p.ID == originalID {
		return true
	}
	return p.Type == TypeCorrection && p.CorrectsPeriodID != nil && *p.CorrectsPeriodID == originalID &&
		p.Status == StatusClosed
}

// EntrySummary counts a period's entries for the close check.
type EntrySummary struct {
	Total    int
	Approved int
}

// CycleInput creates a cycle.
type CycleInput struct {
	Name              string    `validate:"required,max=120"`
	Frequency         Frequency `validate:"required,oneof=SEMI_MONTHLY MONTHLY"`
	FirstCutoffDay    int       `validate:"omitempty,gte=1,lte=27"`
	PayDateOffsetDays int       `validate:"gte=0,lte=31"`
}

// PeriodInput creates a regular period by hand.
type PeriodInput struct {
	CycleID     int64 `validate:"required,gt=0"`
	Name        string
	CutoffStart time.Time
	CutoffEnd   time.Time
	PayDate     time.Time
	Sequence    int `validate:"gte=0,lte=2"`
}

// Validate checks the date rules of the input.
func (in PeriodInput) Validate() error {
	if in.CutoffStart.IsZero() || in.CutoffEnd.IsZero() {
		return fmt.Errorf("%w: cutoff start and end required", ErrInvalidInput)
	}
	if in.CutoffStart.After(in.CutoffEnd) {
		return fmt.Errorf("%w: cutoff start after cutoff end", ErrInvalidInput)
	}
	if !in.PayDate.IsZero() && in.PayDate.Before(in.CutoffEnd) {
		return fmt.Errorf("%w: pay date before cutoff end", ErrInvalidInput)
	}
	return nil
}

func defaultName(start, end time.Time) string {
	return strings.TrimSpace(fmt.Sprintf("%s %d-%d", start.Format("Jan 2006"), start.Day(), end.Day()))
}

var (
	ErrPeriodNotFound = errors.New("periods: period not found")
	ErrCycleNotFound  = errors.New("periods: cycle not found")
	// ErrPeriodOverlap indicates the cutoff window overlaps another period of the cycle.
	ErrPeriodOverlap = errors.New("periods: period overlaps existing range")
	// ErrNoEntries blocks closing a period that has nothing to pay.
	ErrNoEntries = errors.New("periods: period has no entries")
	// ErrEntriesNotApproved blocks closing until every entry is approved.
	ErrEntriesNotApproved = errors.New("periods: not every entry is approved")
	// ErrNotClosed indicates a correction was requested for a period that is not closed.
	ErrNotClosed         = errors.New("periods: period is not closed")
	ErrInvalidTransition = shared.ErrInvalidTransition
	ErrInvalidInput      = errors.New("periods: invalid input")
)
