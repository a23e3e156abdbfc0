package payroll

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/attendance"
	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
	"github.com/odyssey-hr/odyssey-payroll/internal/statutory"
)

// Policy holds the company-wide divisors used to derive daily and hourly rates.
type Policy struct {
	StandardDaysPerMonth decimal.Decimal
	HoursPerDay          decimal.Decimal
}

// DefaultPolicy is 22 working days of 8 hours.
func DefaultPolicy() Policy {
	return Policy{StandardDaysPerMonth: decimal.NewFromInt(22), HoursPerDay: decimal.NewFromInt(8)}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if !p.StandardDaysPerMonth.IsPositive() {
		p.StandardDaysPerMonth = def.StandardDaysPerMonth
	}
	if !p.HoursPerDay.IsPositive() {
		p.HoursPerDay = def.HoursPerDay
	}
	return p
}

// ComputeInput is everything one entry computation reads.
type ComputeInput struct {
	Employee Employee
	Period   Period
	DTRs     []attendance.DailyTimeRecord
	Items    []ledger.AppliedItem
	Tables   *statutory.Snapshot
	Policy   Policy
}

// Computation is the outcome of Compute.
type Computation struct {
	Attendance      Attendance
	Earnings        []Line
	Deductions      []Line
	Gross           decimal.Decimal
	Taxable         decimal.Decimal
	TotalDeductions decimal.Decimal
	Net             decimal.Decimal
	EmployerCost    decimal.Decimal
	Warnings        []string
}

// Warning messages attached to entries.
const (
	WarnNegativeNet     = "net pay is negative"
	WarnDTRNeedsReview  = "attendance records need review"
	WarnUnapprovedOT    = "overtime worked without approval was not paid"
	WarnNoAttendance    = "no attendance records in cutoff"
	WarnReusedLedgerRow = "ledger items reused from a previous computation"
)

var minutesPerHour = decimal.NewFromInt(60)

type rates struct {
	monthly decimal.Decimal
	daily   decimal.Decimal
	hourly  decimal.Decimal
}

// premiums accumulates unrounded premium pay across days.
type premiums struct {
	overtime decimal.Decimal
	night    decimal.Decimal
	holiday  decimal.Decimal
	restDay  decimal.Decimal
}

// Compute derives the lines and totals of one entry. It is pure: ledger items must
// already be applied and statutory tables already loaded.
func Compute(in ComputeInput) (Computation, error) {
	emp := in.Employee
	if !emp.BasicSalary.IsPositive() {
		return Computation{}, fmt.Errorf("%w: employee %d", ErrMissingCompensation, emp.ID)
	}
	if in.Tables == nil {
		return Computation{}, fmt.Errorf("%w: no statutory tables loaded", statutory.ErrTableNotFound)
	}
	policy := in.Policy.normalized()
	ppm := max(1, in.Period.PeriodsPerMonth)
	r := deriveRates(emp, policy)

	att, prem, err := rollup(in.DTRs, in.Period, r)
	if err != nil {
		return Computation{}, err
	}

	var c Computation
	c.Attendance = att
	taxableEarnings := !emp.MinimumWageEarner

	basic, daysEq := basicPay(emp, att, r, policy, ppm)
	c.Attendance.PayableDays = daysEq
	c.addEarning(Line{Code: CodeBasic, Description: "Basic pay", Quantity: daysEq, Rate: shared.RoundRate(r.daily), Amount: basic, Taxable: taxableEarnings})

	otHours := hours(att.ApprovedOTMinutes)
	c.addEarning(Line{Code: CodeOvertime, Description: "Overtime pay", Quantity: otHours, Rate: shared.RoundRate(r.hourly), Amount: shared.Round2(prem.overtime), Taxable: taxableEarnings})
	c.addEarning(Line{Code: CodeNightDiff, Description: "Night differential", Quantity: hours(att.NightDiffMinutes), Rate: shared.RoundRate(r.hourly), Amount: shared.Round2(prem.night), Taxable: taxableEarnings})
	c.addEarning(Line{Code: CodeHolidayPremium, Description: "Holiday premium", Quantity: hours(att.HolidayWorkMinutes), Rate: shared.RoundRate(r.hourly), Amount: shared.Round2(prem.holiday), Taxable: taxableEarnings})
	c.addEarning(Line{Code: CodeRestDay, Description: "Rest day pay", Quantity: hours(att.RestDayWorkMinutes), Rate: shared.RoundRate(r.hourly), Amount: shared.Round2(prem.restDay), Taxable: taxableEarnings})

	reused := false
	for _, item := range in.Items {
		reused = reused || item.Reused
		itemID, rowID := item.ItemID, item.LedgerID
		line := Line{
			Code:         item.Code,
			Description:  item.Description,
			Quantity:     decimal.NewFromInt(1),
			Rate:         item.Amount,
			Amount:       item.Amount,
			Taxable:      item.Taxable,
			LedgerKind:   item.Kind,
			LedgerItemID: &itemID,
			LedgerRowID:  &rowID,
		}
		if line.Description == "" {
			line.Description = item.Code
		}
		if item.Category == ledger.CategoryEarning {
			c.addEarning(line)
		} else {
			c.addDeduction(line)
		}
	}

	asOf := in.Period.PayDate
	if asOf.IsZero() {
		asOf = in.Period.CutoffEnd
	}
	employeeShares := decimal.Zero
	for _, typ := range []statutory.ContributionType{statutory.TypeSSS, statutory.TypePhilHealth, statutory.TypePagIBIG} {
		res, err := in.Tables.Require(typ, r.monthly, asOf, statutory.FrequencyMonthly)
		if err != nil {
			return Computation{}, err
		}
		ee := shared.Round2(res.EmployeeShare.Div(decimal.NewFromInt(int64(ppm))))
		er := shared.Round2(res.EmployerShare.Div(decimal.NewFromInt(int64(ppm))))
		employeeShares = employeeShares.Add(ee)
		c.EmployerCost = c.EmployerCost.Add(er)
		c.addDeduction(Line{
			Code:          statutoryCode(typ),
			Description:   statutoryLabel(typ),
			Quantity:      decimal.NewFromInt(1),
			Rate:          res.BasisAmount,
			Amount:        ee,
			EmployerShare: er,
		})
	}

	taxable := decimal.Zero
	for _, l := range c.Earnings {
		if l.Taxable {
			taxable = taxable.Add(l.Amount)
		}
	}
	c.Taxable = shared.MaxDecimal(decimal.Zero, taxable.Sub(employeeShares))
	if !emp.MinimumWageEarner && !emp.TaxExempt {
		res, err := in.Tables.Require(statutory.TypeWithholdingTax, c.Taxable, asOf, in.Period.TaxFrequency())
		if err != nil {
			return Computation{}, err
		}
		c.addDeduction(Line{
			Code:        CodeWithholdingTax,
			Description: "Withholding tax",
			Quantity:    decimal.NewFromInt(1),
			Rate:        c.Taxable,
			Amount:      res.EmployeeShare,
		})
	}

	for _, l := range c.Earnings {
		c.Gross = c.Gross.Add(l.Amount)
	}
	for _, l := range c.Deductions {
		c.TotalDeductions = c.TotalDeductions.Add(l.Amount)
	}
	c.Net = c.Gross.Sub(c.TotalDeductions)

	if c.Net.IsNegative() {
		c.Warnings = append(c.Warnings, WarnNegativeNet)
	}
	if att.ReviewDays > 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s (%d days)", WarnDTRNeedsReview, att.ReviewDays))
	}
	if att.OvertimeMinutes > att.ApprovedOTMinutes {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s (%d minutes)", WarnUnapprovedOT, att.OvertimeMinutes-att.ApprovedOTMinutes))
	}
	if len(in.DTRs) == 0 {
		c.Warnings = append(c.Warnings, WarnNoAttendance)
	}
	if reused {
		c.Warnings = append(c.Warnings, WarnReusedLedgerRow)
	}
	return c, nil
}

func (c *Computation) addEarning(l Line) {
	if l.Amount.IsZero() && l.Code != CodeBasic {
		return
	}
	l.Category = CategoryEarning
	c.Earnings = append(c.Earnings, l)
}

func (c *Computation) addDeduction(l Line) {
	if l.Amount.IsZero() && l.EmployerShare.IsZero() {
		return
	}
	l.Category = CategoryDeduction
	c.Deductions = append(c.Deductions, l)
}

func deriveRates(emp Employee, p Policy) rates {
	var r rates
	if emp.PayBasis == BasisDaily {
		r.daily = emp.BasicSalary
		r.monthly = shared.Round2(emp.BasicSalary.Mul(p.StandardDaysPerMonth))
	} else {
		r.monthly = emp.BasicSalary
		r.daily = emp.BasicSalary.Div(p.StandardDaysPerMonth)
	}
	r.hourly = r.daily.Div(p.HoursPerDay)
	return r
}

// basicPay returns the basic pay and the days-worked equivalent it pays for. Monthly
// paid employees earn their period share of salary less absences and tardiness; daily
// paid employees earn the daily rate for every credited day less tardiness.
func basicPay(emp Employee, att Attendance, r rates, p Policy, ppm int) (decimal.Decimal, decimal.Decimal) {
	tardyDays := decimal.NewFromInt(int64(att.LateMinutes + att.UndertimeMinutes)).
		Div(p.HoursPerDay.Mul(minutesPerHour))
	var days decimal.Decimal
	if emp.PayBasis == BasisDaily {
		days = att.PayableDays.Sub(tardyDays)
	} else {
		days = p.StandardDaysPerMonth.Div(decimal.NewFromInt(int64(ppm))).Sub(att.AbsentDays).Sub(tardyDays)
	}
	days = shared.MaxDecimal(decimal.Zero, days)

	var amount decimal.Decimal
	if emp.PayBasis == BasisDaily {
		amount = shared.Round2(r.daily.Mul(days))
	} else {
		base := shared.Round2(r.monthly.Div(decimal.NewFromInt(int64(ppm))))
		lost := shared.Round2(r.daily.Mul(att.AbsentDays).Add(r.hourly.Mul(tardyDays.Mul(p.HoursPerDay))))
		amount = shared.MaxDecimal(decimal.Zero, base.Sub(lost))
	}
	return amount, shared.RoundRate(days)
}

var (
	one  = decimal.NewFromInt(1)
	half = decimal.RequireFromString("0.5")
)

// rollup folds the DTRs inside the cutoff into attendance totals and premium pay.
func rollup(dtrs []attendance.DailyTimeRecord, period Period, r rates) (Attendance, premiums, error) {
	att := Attendance{DaysWorked: decimal.Zero, PayableDays: decimal.Zero, AbsentDays: decimal.Zero}
	prem := premiums{overtime: decimal.Zero, night: decimal.Zero, holiday: decimal.Zero, restDay: decimal.Zero}
	defaults := attendance.DefaultPremiumRates()
	for _, d := range dtrs {
		if d.Date.Before(period.CutoffStart) || d.Date.After(period.CutoffEnd) {
			continue
		}
		worked := d.TotalWorkMinutes > 0
		if d.ScheduleID == nil && (worked || d.FirstIn != nil) {
			return Attendance{}, premiums{}, fmt.Errorf("%w: %s", ErrMissingSchedule, d.Date.Format(time.DateOnly))
		}
		if d.NeedsReview {
			att.ReviewDays++
		}
		rts := d.Rates
		att.LateMinutes += d.LateMinutes
		att.UndertimeMinutes += d.UndertimeMinutes
		att.OvertimeMinutes += d.OvertimeMinutes
		att.ApprovedOTMinutes += d.ApprovedOvertimeMinutes
		att.NightDiffMinutes += d.NightDiffMinutes

		prem.overtime = prem.overtime.Add(r.hourly.Mul(hours(d.ApprovedOvertimeMinutes)).Mul(orDefault(rts.Overtime, defaults.Overtime)))
		prem.night = prem.night.Add(r.hourly.Mul(hours(d.NightDiffMinutes)).Mul(orDefault(rts.NightDiff, defaults.NightDiff)))

		regular := d.TotalWorkMinutes - d.OvertimeMinutes
		if d.ScheduledMinutes > 0 {
			regular = min(regular, d.ScheduledMinutes)
		}
		regular = max(regular, 0)
		halfLeave := d.LeavePortion == attendance.LeaveAM || d.LeavePortion == attendance.LeavePM

		switch {
		case worked && d.IsHoliday():
			mult := orDefault(rts.SpecialHoliday, defaults.SpecialHoliday)
			if d.HolidayType == attendance.HolidayRegular {
				mult = orDefault(rts.RegularHoliday, defaults.RegularHoliday)
			}
			att.HolidayWorkMinutes += regular
			if d.RestDay {
				prem.holiday = prem.holiday.Add(r.hourly.Mul(hours(regular)).Mul(mult))
			} else {
				att.DaysWorked = att.DaysWorked.Add(one)
				att.PayableDays = att.PayableDays.Add(one)
				prem.holiday = prem.holiday.Add(r.hourly.Mul(hours(regular)).Mul(mult.Sub(one)))
			}
		case worked && d.RestDay:
			att.RestDayWorkMinutes += regular
			prem.restDay = prem.restDay.Add(r.hourly.Mul(hours(regular)).Mul(orDefault(rts.RestDay, defaults.RestDay)))
		case worked && halfLeave:
			att.DaysWorked = att.DaysWorked.Add(half)
			att.PayableDays = att.PayableDays.Add(half)
			if d.PaidLeave {
				att.PayableDays = att.PayableDays.Add(half)
			} else {
				att.AbsentDays = att.AbsentDays.Add(half)
			}
		case worked:
			att.DaysWorked = att.DaysWorked.Add(one)
			att.PayableDays = att.PayableDays.Add(one)
		case d.Status == attendance.StatusLeave:
			credit := one
			if halfLeave {
				credit = half
				att.AbsentDays = att.AbsentDays.Add(half)
			}
			if d.PaidLeave {
				att.PayableDays = att.PayableDays.Add(credit)
			} else {
				att.AbsentDays = att.AbsentDays.Add(credit)
			}
		case d.Status == attendance.StatusHoliday:
			if d.HolidayType == attendance.HolidayRegular && !d.RestDay {
				att.PayableDays = att.PayableDays.Add(one)
			}
		case d.Status == attendance.StatusAbsent:
			att.AbsentDays = att.AbsentDays.Add(one)
		}
	}
	return att, prem, nil
}

func hours(minutes int) decimal.Decimal {
	return decimal.NewFromInt(int64(minutes)).Div(minutesPerHour)
}

func orDefault(v, def decimal.Decimal) decimal.Decimal {
	if v.IsZero() {
		return def
	}
	return v
}

func statutoryCode(t statutory.ContributionType) string {
	switch t {
	case statutory.TypeSSS:
		return CodeSSS
	case statutory.TypePhilHealth:
		return CodePhilHealth
	case statutory.TypePagIBIG:
		return CodePagIBIG
	}
	return CodeWithholdingTax
}

func statutoryLabel(t statutory.ContributionType) string {
	switch t {
	case statutory.TypeSSS:
		return "SSS contribution"
	case statutory.TypePhilHealth:
		return "PhilHealth contribution"
	case statutory.TypePagIBIG:
		return "Pag-IBIG contribution"
	}
	return "Withholding tax"
}
