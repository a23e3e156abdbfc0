package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/platform/db"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the Postgres-backed ledger store.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const adjustmentColumns = `id, employee_id, category, type_code, description, taxable, frequency, target_period_id,
	recurring_start, recurring_end, recurrence_interval, remaining_occurrences, amount, has_balance_tracking,
	total_amount, total_applied, remaining_balance, status, metadata, version, created_at, updated_at`

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var (
		a        Adjustment
		interval *string
		meta     []byte
	)
	err := row.Scan(&a.ID, &a.EmployeeID, &a.Category, &a.TypeCode, &a.Description, &a.Taxable, &a.Frequency,
		&a.TargetPeriodID, &a.RecurringStart, &a.RecurringEnd, &interval, &a.RemainingOccurrences, &a.Amount,
		&a.HasBalanceTracking, &a.TotalAmount, &a.TotalApplied, &a.RemainingBalance, &a.Status, &meta, &a.Version,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, ErrAdjustmentNotFound
		}
		return Adjustment{}, err
	}
	if interval != nil {
		a.Interval = Interval(*interval)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.Metadata)
	}
	return a, nil
}

func listAdjustments(ctx context.Context, q queryer, employeeID int64) ([]Adjustment, error) {
	rows, err := q.Query(ctx, `SELECT `+adjustmentColumns+` FROM payroll_adjustments WHERE employee_id=$1 ORDER BY id`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const loanColumns = `id, employee_id, loan_type, reference, principal, total_amount, monthly_deduction, term_months,
	start_date, total_paid, remaining_balance, status, metadata, version, created_at, updated_at`

func scanLoan(row pgx.Row) (Loan, error) {
	var (
		l    Loan
		meta []byte
	)
	err := row.Scan(&l.ID, &l.EmployeeID, &l.Type, &l.Reference, &l.Principal, &l.TotalAmount, &l.MonthlyDeduction,
		&l.TermMonths, &l.StartDate, &l.TotalPaid, &l.RemainingBalance, &l.Status, &meta, &l.Version, &l.CreatedAt,
		&l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Loan{}, ErrLoanNotFound
		}
		return Loan{}, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &l.Metadata)
	}
	return l, nil
}

func listLoans(ctx context.Context, q queryer, employeeID int64) ([]Loan, error) {
	rows, err := q.Query(ctx, `SELECT `+loanColumns+` FROM loans WHERE employee_id=$1 ORDER BY id`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *repository) ListAdjustments(ctx context.Context, employeeID int64) ([]Adjustment, error) {
	return listAdjustments(ctx, r.db, employeeID)
}

func (r *repository) ListLoans(ctx context.Context, employeeID int64) ([]Loan, error) {
	return listLoans(ctx, r.db, employeeID)
}

func (r *repository) ListApplications(ctx context.Context, adjustmentID int64) ([]Application, error) {
	rows, err := r.db.Query(ctx, `SELECT id, adjustment_id, period_id, entry_id, amount, balance_before, balance_after, applied_at
FROM adjustment_applications WHERE adjustment_id=$1 ORDER BY applied_at, id`, adjustmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Application
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.AdjustmentID, &a.PeriodID, &a.EntryID, &a.Amount, &a.BalanceBefore, &a.BalanceAfter, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) ListLoanPayments(ctx context.Context, loanID int64) ([]LoanPayment, error) {
	return listLoanPayments(ctx, r.db, `WHERE lp.loan_id=$1 ORDER BY lp.paid_at, lp.id`, loanID)
}

const loanPaymentColumns = `lp.id, lp.loan_id, lp.period_id, lp.entry_id, lp.amount, lp.balance_before, lp.balance_after,
	lp.source, lp.reference, lp.paid_at`

func listLoanPayments(ctx context.Context, q queryer, where string, args ...any) ([]LoanPayment, error) {
	rows, err := q.Query(ctx, `SELECT `+loanPaymentColumns+` FROM loan_payments lp JOIN loans l ON l.id = lp.loan_id `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LoanPayment
	for rows.Next() {
		var p LoanPayment
		if err := rows.Scan(&p.ID, &p.LoanID, &p.PeriodID, &p.EntryID, &p.Amount, &p.BalanceBefore, &p.BalanceAfter,
			&p.Source, &p.Reference, &p.PaidAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repository) ListBalances(ctx context.Context) ([]BalanceCheck, error) {
	rows, err := r.db.Query(ctx, `SELECT 'ADJUSTMENT', a.id, a.has_balance_tracking, a.total_amount, a.total_applied,
	a.remaining_balance, COALESCE(SUM(x.amount), 0), COUNT(x.id)
FROM payroll_adjustments a LEFT JOIN adjustment_applications x ON x.adjustment_id = a.id
GROUP BY a.id
UNION ALL
SELECT 'LOAN', l.id, true, l.total_amount, l.total_paid, l.remaining_balance, COALESCE(SUM(p.amount), 0), COUNT(p.id)
FROM loans l LEFT JOIN loan_payments p ON p.loan_id = l.id
GROUP BY l.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BalanceCheck
	for rows.Next() {
		var b BalanceCheck
		if err := rows.Scan(&b.Kind, &b.ID, &b.Tracked, &b.TotalAmount, &b.TotalApplied, &b.Remaining, &b.LedgerSum, &b.LedgerCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction. Payroll uses it to apply ledger items in
// the same transaction as the entry they belong to.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *txRepository) GetPeriodRef(ctx context.Context, periodID int64) (PeriodRef, error) {
	var p PeriodRef
	var status string
	err := r.tx.QueryRow(ctx, `SELECT p.id, p.cutoff_start, p.cutoff_end, p.sequence,
	CASE c.frequency WHEN 'SEMI_MONTHLY' THEN 2 ELSE 1 END, p.status
FROM payroll_periods p JOIN payroll_cycles c ON c.id = p.cycle_id WHERE p.id=$1 FOR SHARE OF p`, periodID).
		Scan(&p.ID, &p.CutoffStart, &p.CutoffEnd, &p.Sequence, &p.PeriodsPerMonth, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return PeriodRef{}, ErrPeriodNotFound
	}
	p.Status = periods.Status(status)
	return p, err
}

func (r *txRepository) EntryApproved(ctx context.Context, employeeID, periodID int64) (bool, error) {
	var approved bool
	err := r.tx.QueryRow(ctx, `SELECT status = 'APPROVED' FROM payroll_entries
WHERE period_id=$1 AND employee_id=$2 FOR SHARE`, periodID, employeeID).Scan(&approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return approved, err
}

func (r *txRepository) InsertAdjustment(ctx context.Context, a Adjustment) (Adjustment, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return Adjustment{}, err
	}
	return scanAdjustment(r.tx.QueryRow(ctx, `INSERT INTO payroll_adjustments (employee_id, category, type_code, description,
	taxable, frequency, target_period_id, recurring_start, recurring_end, recurrence_interval, remaining_occurrences,
	amount, has_balance_tracking, total_amount, total_applied, remaining_balance, status, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12,$13,$14,$15,$16,$17,$18,$19,$19)
RETURNING `+adjustmentColumns, a.EmployeeID, string(a.Category), a.TypeCode, a.Description, a.Taxable,
		string(a.Frequency), a.TargetPeriodID, a.RecurringStart, a.RecurringEnd, string(a.Interval),
		a.RemainingOccurrences, a.Amount, a.HasBalanceTracking, a.TotalAmount, a.TotalApplied, a.RemainingBalance,
		string(a.Status), meta, a.CreatedAt))
}

func (r *txRepository) GetAdjustmentForUpdate(ctx context.Context, id int64) (Adjustment, error) {
	return scanAdjustment(r.tx.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM payroll_adjustments WHERE id=$1 FOR UPDATE`, id))
}

// UpdateAdjustment writes mutable fields guarded by the version column.
func (r *txRepository) UpdateAdjustment(ctx context.Context, a Adjustment) (Adjustment, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return Adjustment{}, err
	}
	updated, err := scanAdjustment(r.tx.QueryRow(ctx, `UPDATE payroll_adjustments SET total_applied=$2, remaining_balance=$3,
	remaining_occurrences=$4, status=$5, metadata=$6, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$7 RETURNING `+adjustmentColumns, a.ID, a.TotalApplied, a.RemainingBalance,
		a.RemainingOccurrences, string(a.Status), meta, a.Version))
	if errors.Is(err, ErrAdjustmentNotFound) {
		return Adjustment{}, shared.ErrConcurrentUpdate
	}
	return updated, err
}

func (r *txRepository) ListEmployeeAdjustments(ctx context.Context, employeeID int64) ([]Adjustment, error) {
	return listAdjustments(ctx, r.tx, employeeID)
}

func (r *txRepository) InsertApplication(ctx context.Context, row Application) (Application, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO adjustment_applications (adjustment_id, period_id, entry_id, amount,
	balance_before, balance_after, applied_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`, row.AdjustmentID, row.PeriodID, row.EntryID, row.Amount,
		row.BalanceBefore, row.BalanceAfter, row.AppliedAt).Scan(&row.ID)
	if shared.IsUniqueViolation(err) {
		return Application{}, ErrAlreadyApplied
	}
	return row, err
}

func (r *txRepository) ListPeriodApplications(ctx context.Context, employeeID, periodID int64) ([]Application, error) {
	rows, err := r.tx.Query(ctx, `SELECT x.id, x.adjustment_id, x.period_id, x.entry_id, x.amount, x.balance_before,
	x.balance_after, x.applied_at
FROM adjustment_applications x JOIN payroll_adjustments a ON a.id = x.adjustment_id
WHERE a.employee_id=$1 AND x.period_id=$2 ORDER BY x.id`, employeeID, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Application
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.AdjustmentID, &a.PeriodID, &a.EntryID, &a.Amount, &a.BalanceBefore, &a.BalanceAfter, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertLoan(ctx context.Context, l Loan) (Loan, error) {
	meta, err := json.Marshal(l.Metadata)
	if err != nil {
		return Loan{}, err
	}
	return scanLoan(r.tx.QueryRow(ctx, `INSERT INTO loans (employee_id, loan_type, reference, principal, total_amount,
	monthly_deduction, term_months, start_date, total_paid, remaining_balance, status, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13) RETURNING `+loanColumns, l.EmployeeID, string(l.Type),
		l.Reference, l.Principal, l.TotalAmount, l.MonthlyDeduction, l.TermMonths, l.StartDate, l.TotalPaid,
		l.RemainingBalance, string(l.Status), meta, l.CreatedAt))
}

func (r *txRepository) GetLoanForUpdate(ctx context.Context, id int64) (Loan, error) {
	return scanLoan(r.tx.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateLoan(ctx context.Context, l Loan) (Loan, error) {
	meta, err := json.Marshal(l.Metadata)
	if err != nil {
		return Loan{}, err
	}
	updated, err := scanLoan(r.tx.QueryRow(ctx, `UPDATE loans SET total_paid=$2, remaining_balance=$3, status=$4,
	metadata=$5, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$6 RETURNING `+loanColumns, l.ID, l.TotalPaid, l.RemainingBalance, string(l.Status), meta, l.Version))
	if errors.Is(err, ErrLoanNotFound) {
		return Loan{}, shared.ErrConcurrentUpdate
	}
	return updated, err
}

func (r *txRepository) ListEmployeeLoans(ctx context.Context, employeeID int64) ([]Loan, error) {
	return listLoans(ctx, r.tx, employeeID)
}

func (r *txRepository) InsertLoanPayment(ctx context.Context, p LoanPayment) (LoanPayment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO loan_payments (loan_id, period_id, entry_id, amount, balance_before,
	balance_after, source, reference, paid_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`, p.LoanID, p.PeriodID, p.EntryID, p.Amount, p.BalanceBefore,
		p.BalanceAfter, string(p.Source), p.Reference, p.PaidAt).Scan(&p.ID)
	if shared.IsUniqueViolation(err) {
		return LoanPayment{}, ErrAlreadyApplied
	}
	return p, err
}

func (r *txRepository) ListPeriodLoanPayments(ctx context.Context, employeeID, periodID int64) ([]LoanPayment, error) {
	return listLoanPayments(ctx, r.tx, `WHERE l.employee_id=$1 AND lp.period_id=$2 ORDER BY lp.id`, employeeID, periodID)
}
