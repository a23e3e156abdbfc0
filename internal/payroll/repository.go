package payroll

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/platform/db"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the Postgres-backed entry store.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

type txRepository struct {
	tx pgx.Tx
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const entryColumns = `id, period_id, employee_id, ref_id, employee_snapshot, attendance, gross_pay, taxable_income,
	total_deductions, net_pay, employer_contributions, status, failure_reason, warnings, computed_at, reviewed_at,
	reviewed_by, approved_at, approved_by, version, created_at, updated_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e          Entry
		snapshot   []byte
		attendance []byte
		warnings   []byte
		reason     *string
	)
	err := row.Scan(&e.ID, &e.PeriodID, &e.EmployeeID, &e.RefID, &snapshot, &attendance, &e.GrossPay, &e.TaxableIncome,
		&e.TotalDeductions, &e.NetPay, &e.EmployerCost, &e.Status, &reason, &warnings, &e.ComputedAt, &e.ReviewedAt,
		&e.ReviewedBy, &e.ApprovedAt, &e.ApprovedBy, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if reason != nil {
		e.FailureReason = *reason
	}
	if err := unmarshalJSON(snapshot, &e.Employee); err != nil {
		return Entry{}, err
	}
	if err := unmarshalJSON(attendance, &e.Attendance); err != nil {
		return Entry{}, err
	}
	if err := unmarshalJSON(warnings, &e.Warnings); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func unmarshalJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

const lineColumns = `id, entry_id, category, code, description, quantity, rate, amount, employer_share, taxable,
	ledger_kind, ledger_item_id, ledger_row_id`

func loadLines(ctx context.Context, q queryer, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]int64, len(entries))
	index := make(map[int64]int, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		index[e.ID] = i
	}
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM payroll_entry_lines WHERE entry_id = ANY($1) ORDER BY entry_id, line_no`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l    Line
			kind *string
		)
		if err := rows.Scan(&l.ID, &l.EntryID, &l.Category, &l.Code, &l.Description, &l.Quantity, &l.Rate, &l.Amount,
			&l.EmployerShare, &l.Taxable, &kind, &l.LedgerItemID, &l.LedgerRowID); err != nil {
			return err
		}
		if kind != nil {
			l.LedgerKind = ledger.ItemKind(*kind)
		}
		e := &entries[index[l.EntryID]]
		if l.Category == CategoryEarning {
			e.Earnings = append(e.Earnings, l)
		} else {
			e.Deductions = append(e.Deductions, l)
		}
	}
	return rows.Err()
}

func getEntry(ctx context.Context, q queryer, sql string, args ...any) (Entry, error) {
	e, err := scanEntry(q.QueryRow(ctx, sql, args...))
	if err != nil {
		return Entry{}, err
	}
	out := []Entry{e}
	if err := loadLines(ctx, q, out); err != nil {
		return Entry{}, err
	}
	return out[0], nil
}

func (r *repository) GetEntry(ctx context.Context, id int64) (Entry, error) {
	return getEntry(ctx, r.db, `SELECT `+entryColumns+` FROM payroll_entries WHERE id=$1`, id)
}

// ListEntries reads entries and their lines from one snapshot.
func (r *repository) ListEntries(ctx context.Context, periodID int64) ([]Entry, error) {
	var out []Entry
	err := db.ReadOnly(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+entryColumns+` FROM payroll_entries WHERE period_id=$1 ORDER BY employee_id`, periodID)
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		return loadLines(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *txRepository) Ledger() ledger.TxRepository {
	return ledger.NewTxRepository(r.tx)
}

func (r *txRepository) SharePeriod(ctx context.Context, periodID int64) (periods.Status, error) {
	var status string
	err := r.tx.QueryRow(ctx, `SELECT status FROM payroll_periods WHERE id=$1 FOR SHARE`, periodID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", periods.ErrPeriodNotFound
	}
	return periods.Status(status), err
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, id int64) (Entry, error) {
	return getEntry(ctx, r.tx, `SELECT `+entryColumns+` FROM payroll_entries WHERE id=$1 FOR UPDATE`, id)
}

func (r *txRepository) GetEntryByEmployeeForUpdate(ctx context.Context, periodID, employeeID int64) (Entry, error) {
	return getEntry(ctx, r.tx, `SELECT `+entryColumns+` FROM payroll_entries WHERE period_id=$1 AND employee_id=$2 FOR UPDATE`,
		periodID, employeeID)
}

func (r *txRepository) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	snapshot, err := json.Marshal(e.Employee)
	if err != nil {
		return Entry{}, err
	}
	return scanEntry(r.tx.QueryRow(ctx, `INSERT INTO payroll_entries (period_id, employee_id, ref_id, employee_snapshot,
	attendance, status, warnings, created_at, updated_at)
VALUES ($1,$2,$3,$4,'{}'::jsonb,$5,'[]'::jsonb,$6,$7)
RETURNING `+entryColumns, e.PeriodID, e.EmployeeID, e.RefID, snapshot, string(e.Status), e.CreatedAt, e.UpdatedAt))
}

// SaveComputation stores the totals and replaces the lines of an entry.
func (r *txRepository) SaveComputation(ctx context.Context, e Entry) (Entry, error) {
	saved, err := r.UpdateEntry(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM payroll_entry_lines WHERE entry_id=$1`, e.ID); err != nil {
		return Entry{}, err
	}
	lines := e.Lines()
	rows := make([][]any, len(lines))
	for i, l := range lines {
		var kind *string
		if l.LedgerKind != "" {
			k := string(l.LedgerKind)
			kind = &k
		}
		rows[i] = []any{e.ID, i + 1, string(l.Category), l.Code, l.Description, l.Quantity, l.Rate, l.Amount,
			l.EmployerShare, l.Taxable, kind, l.LedgerItemID, l.LedgerRowID}
	}
	if _, err := r.tx.CopyFrom(ctx, pgx.Identifier{"payroll_entry_lines"},
		[]string{"entry_id", "line_no", "category", "code", "description", "quantity", "rate", "amount",
			"employer_share", "taxable", "ledger_kind", "ledger_item_id", "ledger_row_id"},
		pgx.CopyFromRows(rows)); err != nil {
		return Entry{}, err
	}
	saved.Earnings = e.Earnings
	saved.Deductions = e.Deductions
	return saved, nil
}

// UpdateEntry writes header fields and bumps the version.
func (r *txRepository) UpdateEntry(ctx context.Context, e Entry) (Entry, error) {
	snapshot, err := json.Marshal(e.Employee)
	if err != nil {
		return Entry{}, err
	}
	attendance, err := json.Marshal(e.Attendance)
	if err != nil {
		return Entry{}, err
	}
	warnings := e.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return Entry{}, err
	}
	saved, err := scanEntry(r.tx.QueryRow(ctx, `UPDATE payroll_entries SET employee_snapshot=$2, attendance=$3,
	gross_pay=$4, taxable_income=$5, total_deductions=$6, net_pay=$7, employer_contributions=$8, status=$9,
	failure_reason=NULLIF($10,''), warnings=$11, computed_at=$12, reviewed_at=$13, reviewed_by=$14, approved_at=$15,
	approved_by=$16, version=version+1, updated_at=$17
WHERE id=$1 RETURNING `+entryColumns, e.ID, snapshot, attendance, shared.Round2(e.GrossPay), shared.Round2(e.TaxableIncome),
		shared.Round2(e.TotalDeductions), shared.Round2(e.NetPay), shared.Round2(e.EmployerCost), string(e.Status),
		e.FailureReason, warningsJSON, e.ComputedAt, e.ReviewedAt, e.ReviewedBy, e.ApprovedAt, e.ApprovedBy, e.UpdatedAt))
	if err != nil {
		return Entry{}, err
	}
	saved.Earnings = e.Earnings
	saved.Deductions = e.Deductions
	return saved, nil
}

// LockDTRs freezes the attendance records of an approved entry.
func (r *txRepository) LockDTRs(ctx context.Context, employeeID int64, from, to time.Time) (int64, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE daily_time_records SET locked=true, updated_at=NOW()
WHERE employee_id=$1 AND work_date BETWEEN $2 AND $3 AND NOT locked`, employeeID, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type employeeRepository struct {
	db *pgxpool.Pool
}

// NewEmployeeRepository reads employees with the compensation effective on a date.
func NewEmployeeRepository(db *pgxpool.Pool) EmployeePort {
	return &employeeRepository{db: db}
}

const employeeQuery = `SELECT e.id, e.company_id, e.employee_number, e.full_name, COALESCE(e.position, ''),
	COALESCE(e.department, ''), c.pay_basis, c.basic_salary, c.minimum_wage_earner, c.tax_exempt
FROM employees e
LEFT JOIN LATERAL (
	SELECT pay_basis, basic_salary, minimum_wage_earner, tax_exempt
	FROM employee_compensations ec
	WHERE ec.employee_id = e.id AND ec.effective_date <= $2
	ORDER BY ec.effective_date DESC, ec.id DESC
	LIMIT 1
) c ON TRUE`

func scanEmployee(row pgx.Row) (Employee, error) {
	var (
		emp    Employee
		basis  *string
		salary *decimal.Decimal
		mwe    *bool
		exempt *bool
	)
	err := row.Scan(&emp.ID, &emp.CompanyID, &emp.EmployeeNumber, &emp.Name, &emp.Position, &emp.Department,
		&basis, &salary, &mwe, &exempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Employee{}, ErrEmployeeNotFound
	}
	if err != nil {
		return Employee{}, err
	}
	if basis != nil {
		emp.PayBasis = PayBasis(*basis)
	}
	if salary != nil {
		emp.BasicSalary = *salary
	}
	emp.MinimumWageEarner = mwe != nil && *mwe
	emp.TaxExempt = exempt != nil && *exempt
	return emp, nil
}

func (r *employeeRepository) ListPayrollEmployees(ctx context.Context, companyID int64, asOf time.Time) ([]Employee, error) {
	rows, err := r.db.Query(ctx, employeeQuery+`
WHERE e.company_id=$1 AND e.is_active AND e.hire_date <= $2
ORDER BY e.id`, companyID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Employee
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, emp)
	}
	return out, rows.Err()
}

func (r *employeeRepository) GetEmployee(ctx context.Context, employeeID int64, asOf time.Time) (Employee, error) {
	return scanEmployee(r.db.QueryRow(ctx, employeeQuery+` WHERE e.id=$1`, employeeID, asOf))
}
