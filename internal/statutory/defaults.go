package statutory

import (
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func upTo(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

// DefaultTables returns the 2025 government schedules used to seed a new tenant.
func DefaultTables(effective time.Time) []Table {
	tables := []Table{
		defaultSSS(effective),
		{
			Type:              TypePhilHealth,
			Name:              "PhilHealth premium 2025",
			EffectiveFrom:     effective,
			IsActive:          true,
			ContributionRate:  d("0.05"),
			SalaryFloor:       d("10000"),
			SalaryCeiling:     d("100000"),
			MinContribution:   d("500"),
			MaxContribution:   d("5000"),
			EmployeeShareRate: d("0.5"),
			EmployerShareRate: d("0.5"),
		},
		{
			Type:                   TypePagIBIG,
			Name:                   "Pag-IBIG 2024",
			EffectiveFrom:          effective,
			IsActive:               true,
			MaxMonthlyCompensation: d("10000"),
			Brackets: []Bracket{
				{MinCompensation: d("0"), MaxCompensation: upTo("1500"), EmployeeRate: d("0.01"), EmployerRate: d("0.02")},
				{MinCompensation: d("1500.01"), EmployeeRate: d("0.02"), EmployerRate: d("0.02")},
			},
		},
		{
			Type:          TypeWithholdingTax,
			Frequency:     FrequencySemiMonthly,
			Name:          "BIR semi-monthly 2023",
			EffectiveFrom: effective,
			IsActive:      true,
			Brackets: []Bracket{
				{MinCompensation: d("0"), MaxCompensation: upTo("10416.99")},
				{MinCompensation: d("10417"), MaxCompensation: upTo("16666.99"), ExcessRate: d("0.15")},
				{MinCompensation: d("16667"), MaxCompensation: upTo("33332.99"), BaseTax: d("937.50"), ExcessRate: d("0.20")},
				{MinCompensation: d("33333"), MaxCompensation: upTo("83332.99"), BaseTax: d("4270.70"), ExcessRate: d("0.25")},
				{MinCompensation: d("83333"), MaxCompensation: upTo("333332.99"), BaseTax: d("16770.70"), ExcessRate: d("0.30")},
				{MinCompensation: d("333333"), BaseTax: d("91770.70"), ExcessRate: d("0.35")},
			},
		},
		{
			Type:          TypeWithholdingTax,
			Frequency:     FrequencyMonthly,
			Name:          "BIR monthly 2023",
			EffectiveFrom: effective,
			IsActive:      true,
			Brackets: []Bracket{
				{MinCompensation: d("0"), MaxCompensation: upTo("20832.99")},
				{MinCompensation: d("20833"), MaxCompensation: upTo("33332.99"), ExcessRate: d("0.15")},
				{MinCompensation: d("33333"), MaxCompensation: upTo("66666.99"), BaseTax: d("1875"), ExcessRate: d("0.20")},
				{MinCompensation: d("66667"), MaxCompensation: upTo("166666.99"), BaseTax: d("8541.80"), ExcessRate: d("0.25")},
				{MinCompensation: d("166667"), MaxCompensation: upTo("666666.99"), BaseTax: d("33541.80"), ExcessRate: d("0.30")},
				{MinCompensation: d("666667"), BaseTax: d("183541.80"), ExcessRate: d("0.35")},
			},
		},
	}
	return tables
}

// defaultSSS builds the 2025 SSS schedule: salary credits from 5,000 to 35,000 in 500
// steps, 5% employee and 10% employer, EC of 10 below a 15,000 credit and 30 from there.
func defaultSSS(effective time.Time) Table {
	step := decimal.NewFromInt(500)
	half := decimal.NewFromInt(250)
	minCredit := decimal.NewFromInt(5000)
	maxCredit := decimal.NewFromInt(35000)
	ecThreshold := decimal.NewFromInt(15000)
	cent := d("0.01")

	var brackets []Bracket
	for credit := minCredit; credit.LessThanOrEqual(maxCredit); credit = credit.Add(step) {
		b := Bracket{
			SalaryCredit: credit,
			EmployeeRate: d("0.05"),
			EmployerRate: d("0.10"),
			ECAmount:     decimal.NewFromInt(10),
		}
		if credit.GreaterThanOrEqual(ecThreshold) {
			b.ECAmount = decimal.NewFromInt(30)
		}
		if credit.Equal(minCredit) {
			b.MinCompensation = decimal.Zero
		} else {
			b.MinCompensation = credit.Sub(half)
		}
		if !credit.Equal(maxCredit) {
			b.MaxCompensation = decimal.NewNullDecimal(credit.Add(half).Sub(cent))
		}
		brackets = append(brackets, b)
	}
	return Table{
		Type:          TypeSSS,
		Name:          "SSS contribution schedule 2025",
		EffectiveFrom: effective,
		IsActive:      true,
		Brackets:      brackets,
	}
}
