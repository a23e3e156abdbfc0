package statutory

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// Calculate applies table to compensation. Negative compensation is treated as zero. A
// basis outside every bracket yields a zero result with Found false.
func Calculate(table Table, compensation decimal.Decimal) (Result, error) {
	if compensation.IsNegative() {
		compensation = decimal.Zero
	}
	var (
		res     Result
		matched bool
	)
	switch table.Type {
	case TypeSSS:
		res, matched = calculateSSS(table, compensation)
	case TypePhilHealth:
		res, matched = calculatePhilHealth(table, compensation), true
	case TypePagIBIG:
		res, matched = calculatePagIBIG(table, compensation)
	case TypeWithholdingTax:
		res, matched = calculateWithholdingTax(table, compensation)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownType, table.Type)
	}
	res.Type = table.Type
	res.TableID = table.ID
	res.Found = matched
	res.Total = res.EmployeeShare.Add(res.EmployerShare)
	return res, nil
}

func calculateSSS(table Table, compensation decimal.Decimal) (Result, bool) {
	res := zeroResult(TypeSSS)
	bracket, ok := table.FindBracket(compensation)
	if !ok {
		return res, false
	}
	credit := bracket.SalaryCredit
	res.BasisAmount = credit
	res.EmployeeShare = shared.Round2(credit.Mul(bracket.EmployeeRate))
	res.EmployerShare = shared.Round2(credit.Mul(bracket.EmployerRate)).Add(shared.Round2(bracket.ECAmount))
	return res, true
}

func calculatePhilHealth(table Table, compensation decimal.Decimal) Result {
	res := zeroResult(TypePhilHealth)
	basis := shared.Clamp(compensation, table.SalaryFloor, table.SalaryCeiling)
	premium := shared.Round2(basis.Mul(table.ContributionRate))
	premium = shared.Clamp(premium, table.MinContribution, table.MaxContribution)
	res.BasisAmount = basis
	res.EmployeeShare = shared.Round2(premium.Mul(table.EmployeeShareRate))
	res.EmployerShare = shared.Round2(premium.Mul(table.EmployerShareRate))
	return res
}

func calculatePagIBIG(table Table, compensation decimal.Decimal) (Result, bool) {
	res := zeroResult(TypePagIBIG)
	basis := compensation
	if table.MaxMonthlyCompensation.IsPositive() {
		basis = shared.MinDecimal(basis, table.MaxMonthlyCompensation)
	}
	bracket, ok := table.FindBracket(basis)
	if !ok {
		return res, false
	}
	res.BasisAmount = basis
	res.EmployeeShare = shared.Round2(basis.Mul(bracket.EmployeeRate))
	res.EmployerShare = shared.Round2(basis.Mul(bracket.EmployerRate))
	return res, true
}

func calculateWithholdingTax(table Table, compensation decimal.Decimal) (Result, bool) {
	res := zeroResult(TypeWithholdingTax)
	bracket, ok := table.FindBracket(compensation)
	if !ok {
		return res, false
	}
	excess := compensation.Sub(bracket.MinCompensation).Mul(bracket.ExcessRate)
	res.BasisAmount = compensation
	res.EmployeeShare = shared.Round2(bracket.BaseTax.Add(excess))
	return res, true
}

// SelectTable picks the active table of typ with the latest effective date on or before
// asOf. Withholding tax tables must also match freq.
func SelectTable(tables []Table, typ ContributionType, freq PayFrequency, asOf time.Time) (Table, bool) {
	candidates := make([]Table, 0, len(tables))
	for _, t := range tables {
		if !t.IsActive || t.Type != typ || t.EffectiveFrom.After(asOf) {
			continue
		}
		if typ == TypeWithholdingTax && t.Frequency != freq {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return Table{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].EffectiveFrom.Equal(candidates[j].EffectiveFrom) {
			return candidates[i].ID > candidates[j].ID
		}
		return candidates[i].EffectiveFrom.After(candidates[j].EffectiveFrom)
	})
	return candidates[0], true
}
