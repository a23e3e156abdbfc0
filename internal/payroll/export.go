package payroll

import (
	"context"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
)

// RegisterRow is one line of the payroll register export.
type RegisterRow struct {
	EmployeeNumber  string `csv:"employee_number"`
	Name            string `csv:"name"`
	Department      string `csv:"department"`
	Status          string `csv:"status"`
	DaysWorked      string `csv:"days_worked"`
	Basic           string `csv:"basic"`
	GrossPay        string `csv:"gross_pay"`
	SSS             string `csv:"sss_ee"`
	PhilHealth      string `csv:"philhealth_ee"`
	PagIBIG         string `csv:"pagibig_ee"`
	WithholdingTax  string `csv:"withholding_tax"`
	OtherDeductions string `csv:"other_deductions"`
	TotalDeductions string `csv:"total_deductions"`
	NetPay          string `csv:"net_pay"`
	EmployerCost    string `csv:"employer_contributions"`
}

// RegisterRows flattens entries into register rows.
func RegisterRows(entries []Entry) []RegisterRow {
	rows := make([]RegisterRow, 0, len(entries))
	for _, e := range entries {
		byCode := map[string]decimal.Decimal{}
		other := decimal.Zero
		for _, l := range e.Deductions {
			switch l.Code {
			case CodeSSS, CodePhilHealth, CodePagIBIG, CodeWithholdingTax:
				byCode[l.Code] = byCode[l.Code].Add(l.Amount)
			default:
				other = other.Add(l.Amount)
			}
		}
		basic := decimal.Zero
		for _, l := range e.Earnings {
			if l.Code == CodeBasic {
				basic = basic.Add(l.Amount)
			}
		}
		rows = append(rows, RegisterRow{
			EmployeeNumber:  e.Employee.EmployeeNumber,
			Name:            e.Employee.Name,
			Department:      e.Employee.Department,
			Status:          string(e.Status),
			DaysWorked:      e.Attendance.DaysWorked.String(),
			Basic:           basic.StringFixed(2),
			GrossPay:        e.GrossPay.StringFixed(2),
			SSS:             byCode[CodeSSS].StringFixed(2),
			PhilHealth:      byCode[CodePhilHealth].StringFixed(2),
			PagIBIG:         byCode[CodePagIBIG].StringFixed(2),
			WithholdingTax:  byCode[CodeWithholdingTax].StringFixed(2),
			OtherDeductions: other.StringFixed(2),
			TotalDeductions: e.TotalDeductions.StringFixed(2),
			NetPay:          e.NetPay.StringFixed(2),
			EmployerCost:    e.EmployerCost.StringFixed(2),
		})
	}
	return rows
}

// WriteRegister writes the register CSV with a header row.
func WriteRegister(w io.Writer, entries []Entry) error {
	return gocsv.Marshal(RegisterRows(entries), w)
}

// ExportRegister writes the register of a period.
func (s *Service) ExportRegister(ctx context.Context, periodID int64, w io.Writer) error {
	entries, err := s.repo.ListEntries(ctx, periodID)
	if err != nil {
		return err
	}
	return WriteRegister(w, entries)
}
