package statutory

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

var one = decimal.NewFromInt(1)

// Validate rejects tables with overlapping or gapped ranges, a non-terminal open
// bracket, or rates outside [0, 1]. Brackets are sorted in place by minimum.
func (t *Table) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, t.Type)
	}
	if t.EffectiveFrom.IsZero() {
		return fmt.Errorf("%w: effective_from required", ErrInvalidBracketTable)
	}
	if t.Type == TypeWithholdingTax && t.Frequency == "" {
		return fmt.Errorf("%w: withholding tax table requires a pay frequency", ErrInvalidBracketTable)
	}
	if t.Type == TypePhilHealth {
		return t.validatePhilHealth()
	}
	if len(t.Brackets) == 0 {
		return fmt.Errorf("%w: %s table %d has no brackets", ErrInvalidBracketTable, t.Type, t.ID)
	}
	sort.SliceStable(t.Brackets, func(i, j int) bool {
		return t.Brackets[i].MinCompensation.LessThan(t.Brackets[j].MinCompensation)
	})
	for i, b := range t.Brackets {
		if b.MinCompensation.IsNegative() {
			return fmt.Errorf("%w: bracket %d has negative minimum", ErrInvalidBracketTable, i)
		}
		if b.MaxCompensation.Valid && b.MaxCompensation.Decimal.LessThan(b.MinCompensation) {
			return fmt.Errorf("%w: bracket %d max below min", ErrInvalidBracketTable, i)
		}
		if !b.MaxCompensation.Valid && i != len(t.Brackets)-1 {
			return fmt.Errorf("%w: only the last bracket may be open-ended", ErrInvalidBracketTable)
		}
		for _, rate := range []decimal.Decimal{b.EmployeeRate, b.EmployerRate, b.ExcessRate} {
			if !isRate(rate) {
				return fmt.Errorf("%w: bracket %d rate %s outside [0,1]", ErrInvalidBracketTable, i, rate)
			}
		}
		if i == 0 {
			continue
		}
		prev := t.Brackets[i-1]
		if !b.MinCompensation.GreaterThan(prev.MaxCompensation.Decimal) {
			return fmt.Errorf("%w: bracket %d overlaps bracket %d", ErrInvalidBracketTable, i, i-1)
		}
		if b.MinCompensation.Sub(prev.MaxCompensation.Decimal).GreaterThan(shared.Centavo()) {
			return fmt.Errorf("%w: gap between %s and %s", ErrInvalidBracketTable, prev.MaxCompensation.Decimal, b.MinCompensation)
		}
	}
	return nil
}

func (t *Table) validatePhilHealth() error {
	for _, rate := range []decimal.Decimal{t.ContributionRate, t.EmployeeShareRate, t.EmployerShareRate} {
		if !isRate(rate) {
			return fmt.Errorf("%w: philhealth rate %s outside [0,1]", ErrInvalidBracketTable, rate)
		}
	}
	if !t.SalaryCeiling.IsZero() && t.SalaryCeiling.LessThan(t.SalaryFloor) {
		return fmt.Errorf("%w: philhealth ceiling below floor", ErrInvalidBracketTable)
	}
	if !t.MaxContribution.IsZero() && t.MaxContribution.LessThan(t.MinContribution) {
		return fmt.Errorf("%w: philhealth max contribution below min", ErrInvalidBracketTable)
	}
	if !t.EmployeeShareRate.Add(t.EmployerShareRate).Equal(one) {
		return fmt.Errorf("%w: philhealth share rates must sum to 1", ErrInvalidBracketTable)
	}
	return nil
}

func isRate(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(one)
}
