package statutory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var effective2025 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func tableOf(t *testing.T, typ ContributionType, freq PayFrequency) Table {
	t.Helper()
	for _, table := range DefaultTables(effective2025) {
		if table.Type == typ && table.Frequency == freq {
			require.NoError(t, table.Validate())
			return table
		}
	}
	t.Fatalf("no default table for %s/%s", typ, freq)
	return Table{}
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "expected %s got %s", want, got)
}

func TestCalculateSSS(t *testing.T) {
	table := tableOf(t, TypeSSS, "")

	res, err := Calculate(table, d("30000"))
	require.NoError(t, err)
	require.True(t, res.Found)
	requireAmount(t, "30000", res.BasisAmount)
	requireAmount(t, "1500", res.EmployeeShare)
	requireAmount(t, "3030", res.EmployerShare)
	requireAmount(t, "4530", res.Total)

	res, err = Calculate(table, d("5249.99"))
	require.NoError(t, err)
	requireAmount(t, "5000", res.BasisAmount)
	requireAmount(t, "10", res.EmployerShare.Sub(d("500")))

	res, err = Calculate(table, d("5250"))
	require.NoError(t, err)
	requireAmount(t, "5500", res.BasisAmount)

	res, err = Calculate(table, d("250000"))
	require.NoError(t, err)
	requireAmount(t, "35000", res.BasisAmount)
}

func TestCalculatePhilHealthClampsBasis(t *testing.T) {
	table := tableOf(t, TypePhilHealth, "")

	cases := []struct {
		salary, basis, ee, er string
	}{
		{"1000", "10000", "250", "250"},
		{"30000", "30000", "750", "750"},
		{"150000", "100000", "2500", "2500"},
		{"33333.33", "33333.33", "833.34", "833.34"},
	}
	for _, tc := range cases {
		res, err := Calculate(table, d(tc.salary))
		require.NoError(t, err)
		requireAmount(t, tc.basis, res.BasisAmount)
		requireAmount(t, tc.ee, res.EmployeeShare)
		requireAmount(t, tc.er, res.EmployerShare)
		require.True(t, res.Total.Equal(res.EmployeeShare.Add(res.EmployerShare)))
	}
}

func TestCalculatePagIBIG(t *testing.T) {
	table := tableOf(t, TypePagIBIG, "")

	res, err := Calculate(table, d("1000"))
	require.NoError(t, err)
	requireAmount(t, "10", res.EmployeeShare)
	requireAmount(t, "20", res.EmployerShare)

	res, err = Calculate(table, d("1500"))
	require.NoError(t, err)
	requireAmount(t, "15", res.EmployeeShare)

	res, err = Calculate(table, d("30000"))
	require.NoError(t, err)
	requireAmount(t, "10000", res.BasisAmount)
	requireAmount(t, "200", res.EmployeeShare)
	requireAmount(t, "200", res.EmployerShare)
}

func TestWithholdingTaxAtBracketMinimumEqualsBaseTax(t *testing.T) {
	for _, freq := range []PayFrequency{FrequencySemiMonthly, FrequencyMonthly} {
		table := tableOf(t, TypeWithholdingTax, freq)
		for _, b := range table.Brackets {
			res, err := Calculate(table, b.MinCompensation)
			require.NoError(t, err)
			requireAmount(t, b.BaseTax.String(), res.EmployeeShare)
			require.True(t, res.EmployerShare.IsZero())
		}
	}
}

func TestWithholdingTaxInclusiveUpperBound(t *testing.T) {
	table := tableOf(t, TypeWithholdingTax, FrequencySemiMonthly)

	res, err := Calculate(table, d("10416.99"))
	require.NoError(t, err)
	require.True(t, res.Total.IsZero())

	// 0.15 * 6249.99 = 937.4985 rounds up.
	res, err = Calculate(table, d("16666.99"))
	require.NoError(t, err)
	requireAmount(t, "937.50", res.Total)

	res, err = Calculate(table, d("20000"))
	require.NoError(t, err)
	requireAmount(t, "1604.10", res.Total)

	res, err = Calculate(table, d("-100"))
	require.NoError(t, err)
	require.True(t, res.Total.IsZero())
}

func TestBracketBoundaryIsDeterministic(t *testing.T) {
	table := Table{
		Type:          TypePagIBIG,
		EffectiveFrom: effective2025,
		Brackets: []Bracket{
			{MinCompensation: d("1500.01"), EmployeeRate: d("0.02")},
			{MinCompensation: d("0"), MaxCompensation: upTo("1500"), EmployeeRate: d("0.01")},
		},
	}
	require.NoError(t, table.Validate())
	b, ok := table.FindBracket(d("1500"))
	require.True(t, ok)
	requireAmount(t, "0.01", b.EmployeeRate)
}

func TestValidateRejectsMalformedTables(t *testing.T) {
	base := func(brackets ...Bracket) Table {
		return Table{Type: TypeSSS, EffectiveFrom: effective2025, Brackets: brackets}
	}
	cases := map[string]Table{
		"overlap": base(
			Bracket{MinCompensation: d("0"), MaxCompensation: upTo("1000")},
			Bracket{MinCompensation: d("1000")},
		),
		"gap": base(
			Bracket{MinCompensation: d("0"), MaxCompensation: upTo("1000")},
			Bracket{MinCompensation: d("1000.50")},
		),
		"open middle": base(
			Bracket{MinCompensation: d("0")},
			Bracket{MinCompensation: d("1000"), MaxCompensation: upTo("2000")},
		),
		"rate above one": base(
			Bracket{MinCompensation: d("0"), EmployeeRate: d("1.5")},
		),
		"empty": base(),
		"philhealth shares": {
			Type: TypePhilHealth, EffectiveFrom: effective2025,
			ContributionRate: d("0.05"), EmployeeShareRate: d("0.5"), EmployerShareRate: d("0.4"),
		},
		"tax without frequency": {
			Type: TypeWithholdingTax, EffectiveFrom: effective2025,
			Brackets: []Bracket{{MinCompensation: d("0")}},
		},
	}
	for name, table := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, table.Validate(), ErrInvalidBracketTable)
		})
	}
}

func TestSelectTablePicksLatestEffective(t *testing.T) {
	older := tableOf(t, TypePagIBIG, "")
	older.ID = 1
	older.EffectiveFrom = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older
	newer.ID = 2
	newer.EffectiveFrom = effective2025
	future := older
	future.ID = 3
	future.EffectiveFrom = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	inactive := older
	inactive.ID = 4
	inactive.IsActive = false
	inactive.EffectiveFrom = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tables := []Table{older, future, newer, inactive}
	got, ok := SelectTable(tables, TypePagIBIG, "", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, int64(2), got.ID)

	got, ok = SelectTable(tables, TypePagIBIG, "", time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, int64(1), got.ID)

	_, ok = SelectTable(tables, TypePagIBIG, "", time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC))
	require.False(t, ok)
}

func TestSnapshotCalculate(t *testing.T) {
	snap := NewSnapshot(DefaultTables(effective2025))
	asOf := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	res, err := snap.Calculate(TypeWithholdingTax, d("20000"), asOf, FrequencySemiMonthly)
	require.NoError(t, err)
	requireAmount(t, "1604.10", res.Total)

	res, err = snap.Calculate(TypeWithholdingTax, d("20000"), asOf, FrequencyWeekly)
	require.NoError(t, err)
	require.False(t, res.Found)
	require.True(t, res.Total.IsZero())

	_, err = snap.Require(TypeWithholdingTax, d("20000"), asOf, FrequencyWeekly)
	require.ErrorIs(t, err, ErrTableNotFound)
	require.True(t, IsConfigurationError(err))

	broken := NewSnapshot([]Table{{
		ID: 9, Type: TypeSSS, EffectiveFrom: effective2025, IsActive: true,
		Brackets: []Bracket{
			{MinCompensation: d("0"), MaxCompensation: upTo("1000")},
			{MinCompensation: d("900")},
		},
	}})
	_, err = broken.Calculate(TypeSSS, d("950"), asOf, "")
	require.ErrorIs(t, err, ErrInvalidBracketTable)
	require.True(t, IsConfigurationError(err))
}

func TestUncoveredBasisIsNotFound(t *testing.T) {
	table := Table{
		ID: 11, Type: TypeSSS, EffectiveFrom: effective2025, IsActive: true,
		Brackets: []Bracket{
			{MinCompensation: d("5000"), MaxCompensation: upTo("9999.99"), SalaryCredit: d("5000"), EmployeeRate: d("0.05")},
			{MinCompensation: d("10000"), SalaryCredit: d("10000"), EmployeeRate: d("0.05")},
		},
	}
	require.NoError(t, table.Validate())

	res, err := Calculate(table, d("4000"))
	require.NoError(t, err)
	require.False(t, res.Found)
	require.Equal(t, int64(11), res.TableID)
	require.True(t, res.Total.IsZero())

	res, err = Calculate(table, d("6000"))
	require.NoError(t, err)
	require.True(t, res.Found)
	requireAmount(t, "250", res.EmployeeShare)

	snap := NewSnapshot([]Table{table})
	asOf := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	_, err = snap.Require(TypeSSS, d("4000"), asOf, "")
	require.ErrorIs(t, err, ErrNoBracket)
	require.NotErrorIs(t, err, ErrTableNotFound)
	require.True(t, IsConfigurationError(err))

	_, err = snap.Require(TypePagIBIG, d("4000"), asOf, "")
	require.ErrorIs(t, err, ErrTableNotFound)
}
