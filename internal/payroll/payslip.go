package payroll

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var (
	payslipLocale = language.MustParse("en-PH")
	peso          = currency.MustParseISO("PHP")
)

// FormatAmount renders an amount with grouping and two decimals for tag. The whole part is
// grouped as an integer and the centavos are copied from the decimal string, so no amount
// passes through float64.
func FormatAmount(tag language.Tag, d decimal.Decimal) string {
	s := d.Round(2).StringFixed(2)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return sign + s
	}
	return sign + message.NewPrinter(tag).Sprint(number.Decimal(n)) + "." + frac
}

// FormatPeso prefixes FormatAmount with the peso symbol.
func FormatPeso(tag language.Tag, d decimal.Decimal) string {
	return message.NewPrinter(tag).Sprintf("%v %s", currency.NarrowSymbol(peso), FormatAmount(tag, d))
}

var payslipTemplate = template.Must(template.New("payslip").Funcs(template.FuncMap{
	"peso":   func(d decimal.Decimal) string { return FormatPeso(payslipLocale, d) },
	"amount": func(d decimal.Decimal) string { return FormatAmount(payslipLocale, d) },
	"date":   func(t time.Time) string { return t.Format("Jan 2, 2006") },
}).Parse(`<html><head><meta charset="utf-8"><style>
body{font-family:sans-serif;margin:24px;}h1{font-size:18px;}table{width:100%;border-collapse:collapse;margin-bottom:16px;}
th,td{border:1px solid #ddd;padding:6px;}td.num{text-align:right;}th{text-align:left;background:#f5f5f5;}
</style></head><body>
<h1>Payslip: {{.Period.Name}}</h1>
<p>{{.Entry.Employee.EmployeeNumber}} {{.Entry.Employee.Name}}{{with .Entry.Employee.Position}}, {{.}}{{end}}</p>
<p>Cutoff {{date .Period.CutoffStart}} to {{date .Period.CutoffEnd}}, pay date {{date .Period.PayDate}}</p>
<table><thead><tr><th>Earnings</th><th>Qty</th><th>Amount</th></tr></thead><tbody>
{{range .Entry.Earnings}}<tr><td>{{.Description}}</td><td class="num">{{.Quantity}}</td><td class="num">{{amount .Amount}}</td></tr>
{{end}}<tr><th colspan="2">Gross pay</th><td class="num">{{peso .Entry.GrossPay}}</td></tr>
</tbody></table>
<table><thead><tr><th>Deductions</th><th>Amount</th></tr></thead><tbody>
{{range .Entry.Deductions}}<tr><td>{{.Description}}</td><td class="num">{{amount .Amount}}</td></tr>
{{end}}<tr><th>Total deductions</th><td class="num">{{peso .Entry.TotalDeductions}}</td></tr>
</tbody></table>
<h2>Net pay {{peso .Entry.NetPay}}</h2>
</body></html>
`))

// Payslip is the data rendered on a payslip.
type Payslip struct {
	Period Period
	Entry  Entry
}

// RenderPayslipHTML renders the payslip of an approved entry.
func RenderPayslipHTML(w io.Writer, slip Payslip) error {
	if slip.Entry.Status != StatusApproved {
		return ErrNotApproved
	}
	return payslipTemplate.Execute(w, slip)
}

// PDFRenderer converts HTML to PDF through Gotenberg.
type PDFRenderer struct {
	Endpoint string
	Client   *http.Client
}

// Render sends html to Gotenberg and returns the PDF bytes.
func (p *PDFRenderer) Render(ctx context.Context, name string, html []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("pdf renderer not initialised")
	}
	endpoint := strings.TrimRight(p.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("gotenberg endpoint required")
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(html); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/forms/chromium/convert/html", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Gotenberg-Output-Filename", name)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("gotenberg response %d: %s", resp.StatusCode, string(data))
	}
	return io.ReadAll(resp.Body)
}

// Payslip loads an approved entry with its period.
func (s *Service) Payslip(ctx context.Context, entryID int64) (Payslip, error) {
	e, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return Payslip{}, err
	}
	if e.Status != StatusApproved {
		return Payslip{}, ErrNotApproved
	}
	p, err := s.ports.Periods.GetPeriod(ctx, e.PeriodID)
	if err != nil {
		return Payslip{}, err
	}
	return Payslip{Period: PeriodFrom(p), Entry: e}, nil
}

// PayslipPDF renders the payslip of an approved entry as PDF.
func (s *Service) PayslipPDF(ctx context.Context, renderer *PDFRenderer, entryID int64) ([]byte, error) {
	slip, err := s.Payslip(ctx, entryID)
	if err != nil {
		return nil, err
	}
	var html bytes.Buffer
	if err := RenderPayslipHTML(&html, slip); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("payslip-%s-%d", slip.Entry.Employee.EmployeeNumber, slip.Period.ID)
	return renderer.Render(ctx, name, html.Bytes())
}
