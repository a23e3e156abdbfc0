package periods

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-hr/odyssey-payroll/internal/platform/db"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the Postgres-backed period store.
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

const periodColumns = `p.id, p.company_id, p.cycle_id, c.frequency, p.name, p.cutoff_start, p.cutoff_end, p.pay_date,
	p.sequence, p.status, p.period_type, p.corrects_period_id, p.gross_total, p.deduction_total, p.net_total,
	p.employee_count, p.opened_at, p.closed_at, p.closed_by, p.created_at, p.updated_at`

const periodFrom = ` FROM payroll_periods p JOIN payroll_cycles c ON c.id = p.cycle_id`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.CompanyID, &p.CycleID, &p.Frequency, &p.Name, &p.CutoffStart, &p.CutoffEnd, &p.PayDate,
		&p.Sequence, &p.Status, &p.Type, &p.CorrectsPeriodID, &p.Totals.Gross, &p.Totals.Deductions, &p.Totals.Net,
		&p.Totals.EmployeeCount, &p.OpenedAt, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}

func collectPeriods(rows pgx.Rows, err error) ([]Period, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+periodFrom+` WHERE p.id=$1`, id))
}

func (r *repository) ListPeriods(ctx context.Context, companyID int64, status Status) ([]Period, error) {
	rows, err := r.db.Query(ctx, `SELECT `+periodColumns+periodFrom+`
WHERE p.company_id=$1 AND ($2 = '' OR p.status = $2)
ORDER BY p.cutoff_start DESC, p.id DESC`, companyID, string(status))
	return collectPeriods(rows, err)
}

const cycleColumns = `id, company_id, name, frequency, first_cutoff_day, pay_date_offset_days, is_active, created_at`

func scanCycle(row pgx.Row) (Cycle, error) {
	var c Cycle
	err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Frequency, &c.FirstCutoffDay, &c.PayDateOffsetDays, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cycle{}, ErrCycleNotFound
	}
	return c, err
}

func (r *repository) ListCycles(ctx context.Context, companyID int64) ([]Cycle, error) {
	rows, err := r.db.Query(ctx, `SELECT `+cycleColumns+` FROM payroll_cycles WHERE company_id=$1 ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertCycle(ctx context.Context, c Cycle) (Cycle, error) {
	return scanCycle(r.tx.QueryRow(ctx, `INSERT INTO payroll_cycles (company_id, name, frequency, first_cutoff_day,
	pay_date_offset_days, is_active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+cycleColumns,
		c.CompanyID, c.Name, string(c.Frequency), c.FirstCutoffDay, c.PayDateOffsetDays, c.IsActive, c.CreatedAt))
}

func (r *txRepository) GetCycle(ctx context.Context, id int64) (Cycle, error) {
	return scanCycle(r.tx.QueryRow(ctx, `SELECT `+cycleColumns+` FROM payroll_cycles WHERE id=$1`, id))
}

func (r *txRepository) InsertPeriod(ctx context.Context, p Period) (Period, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO payroll_periods (company_id, cycle_id, name, cutoff_start, cutoff_end, pay_date,
	sequence, status, period_type, corrects_period_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11) RETURNING id`,
		p.CompanyID, p.CycleID, p.Name, p.CutoffStart, p.CutoffEnd, p.PayDate, p.Sequence, string(p.Status),
		string(p.Type), p.CorrectsPeriodID, p.CreatedAt).Scan(&id)
	if err != nil {
		return Period{}, err
	}
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+periodFrom+` WHERE p.id=$1`, id))
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+periodFrom+` WHERE p.id=$1 FOR UPDATE OF p`, id))
}

func (r *txRepository) ListOverlapping(ctx context.Context, cycleID int64, start, end time.Time) ([]Period, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+periodColumns+periodFrom+`
WHERE p.cycle_id=$1 AND daterange(p.cutoff_start, p.cutoff_end, '[]') && daterange($2::date, $3::date, '[]')
ORDER BY p.id`, cycleID, start, end)
	return collectPeriods(rows, err)
}

func (r *txRepository) UpdatePeriod(ctx context.Context, p Period) error {
	_, err := r.tx.Exec(ctx, `UPDATE payroll_periods SET status=$2, gross_total=$3, deduction_total=$4, net_total=$5,
	employee_count=$6, opened_at=$7, closed_at=$8, closed_by=$9, updated_at=$10
WHERE id=$1`, p.ID, string(p.Status), p.Totals.Gross, p.Totals.Deductions, p.Totals.Net, p.Totals.EmployeeCount,
		p.OpenedAt, p.ClosedAt, p.ClosedBy, p.UpdatedAt)
	return err
}

func (r *txRepository) EntrySummary(ctx context.Context, periodID int64) (EntrySummary, error) {
	var s EntrySummary
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'APPROVED')
FROM payroll_entries WHERE period_id=$1`, periodID).Scan(&s.Total, &s.Approved)
	return s, err
}

func (r *txRepository) SumEntries(ctx context.Context, periodID int64) (Totals, error) {
	var t Totals
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(gross_pay),0), COALESCE(SUM(total_deductions),0),
	COALESCE(SUM(net_pay),0), COUNT(*) FILTER (WHERE status <> 'DRAFT')
FROM payroll_entries WHERE period_id=$1 AND status <> 'DRAFT'`, periodID).Scan(&t.Gross, &t.Deductions, &t.Net, &t.EmployeeCount)
	return t, err
}
