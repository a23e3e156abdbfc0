// Package statutory computes Philippine government contributions and withholding tax
// from versioned, dated bracket tables.
package statutory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ContributionType enumerates the statutory deductions.
type ContributionType string

const (
	TypeSSS            ContributionType = "SSS"
	TypePhilHealth     ContributionType = "PHILHEALTH"
	TypePagIBIG        ContributionType = "PAGIBIG"
	TypeWithholdingTax ContributionType = "WITHHOLDING_TAX"
)

// ContributionTypes lists every supported type in payslip order.
var ContributionTypes = []ContributionType{TypeSSS, TypePhilHealth, TypePagIBIG, TypeWithholdingTax}

// Valid reports whether t is a known contribution type.
func (t ContributionType) Valid() bool {
	switch t {
	case TypeSSS, TypePhilHealth, TypePagIBIG, TypeWithholdingTax:
		return true
	}
	return false
}

// PayFrequency selects the withholding tax table.
type PayFrequency string

const (
	FrequencyDaily       PayFrequency = "DAILY"
	FrequencyWeekly      PayFrequency = "WEEKLY"
	FrequencySemiMonthly PayFrequency = "SEMI_MONTHLY"
	FrequencyMonthly     PayFrequency = "MONTHLY"
)

// Bracket is one salary range of a table. Fields unused by a table type stay zero.
type Bracket struct {
	MinCompensation decimal.Decimal     `json:"min_compensation"`
	MaxCompensation decimal.NullDecimal `json:"max_compensation"`
	// SSS monthly salary credit.
	SalaryCredit decimal.Decimal `json:"salary_credit"`
	EmployeeRate decimal.Decimal `json:"employee_rate"`
	EmployerRate decimal.Decimal `json:"employer_rate"`
	// SSS employees' compensation, paid by the employer on top of the rate.
	ECAmount   decimal.Decimal `json:"ec_amount"`
	BaseTax    decimal.Decimal `json:"base_tax"`
	ExcessRate decimal.Decimal `json:"excess_rate"`
}

// Contains reports whether basis falls inside the inclusive range.
func (b Bracket) Contains(basis decimal.Decimal) bool {
	if basis.LessThan(b.MinCompensation) {
		return false
	}
	return !b.MaxCompensation.Valid || basis.LessThanOrEqual(b.MaxCompensation.Decimal)
}

// Table is a versioned contribution or tax schedule.
type Table struct {
	ID            int64            `json:"id"`
	Type          ContributionType `json:"type"`
	Frequency     PayFrequency     `json:"frequency,omitempty"`
	Name          string           `json:"name"`
	EffectiveFrom time.Time        `json:"effective_from"`
	IsActive      bool             `json:"is_active"`

	// PhilHealth premium parameters.
	ContributionRate  decimal.Decimal `json:"contribution_rate"`
	SalaryFloor       decimal.Decimal `json:"salary_floor"`
	SalaryCeiling     decimal.Decimal `json:"salary_ceiling"`
	MinContribution   decimal.Decimal `json:"min_contribution"`
	MaxContribution   decimal.Decimal `json:"max_contribution"`
	EmployeeShareRate decimal.Decimal `json:"employee_share_rate"`
	EmployerShareRate decimal.Decimal `json:"employer_share_rate"`

	// Pag-IBIG compensation cap.
	MaxMonthlyCompensation decimal.Decimal `json:"max_monthly_compensation"`

	Brackets []Bracket `json:"brackets"`
}

// FindBracket returns the first bracket containing basis. Brackets are expected in
// ascending order, so a value equal to a bracket's max resolves to that bracket.
func (t Table) FindBracket(basis decimal.Decimal) (Bracket, bool) {
	for _, b := range t.Brackets {
		if b.Contains(basis) {
			return b, true
		}
	}
	return Bracket{}, false
}

// Result is the outcome of a single calculation.
type Result struct {
	Type          ContributionType `json:"type"`
	TableID       int64            `json:"table_id"`
	Found         bool             `json:"found"`
	BasisAmount   decimal.Decimal  `json:"basis_amount"`
	EmployeeShare decimal.Decimal  `json:"employee_share"`
	EmployerShare decimal.Decimal  `json:"employer_share"`
	Total         decimal.Decimal  `json:"total"`
}

// zeroResult is returned when no table or bracket matches.
func zeroResult(t ContributionType) Result {
	return Result{
		Type:          t,
		BasisAmount:   decimal.Zero,
		EmployeeShare: decimal.Zero,
		EmployerShare: decimal.Zero,
		Total:         decimal.Zero,
	}
}

var (
	// ErrInvalidBracketTable indicates a table failed structural validation.
	ErrInvalidBracketTable = errors.New("statutory: invalid bracket table")
	// ErrUnknownType indicates an unsupported contribution type.
	ErrUnknownType = errors.New("statutory: unknown contribution type")
	// ErrTableNotFound indicates no table is effective for the requested date.
	ErrTableNotFound = errors.New("statutory: no effective table")
	// ErrNoBracket indicates the effective table has no bracket covering the basis.
	ErrNoBracket = errors.New("statutory: no bracket covers the basis")
)
