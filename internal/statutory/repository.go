package statutory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the Postgres-backed table store.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const selectTables = `SELECT id, type, frequency, name, effective_from, is_active,
	contribution_rate, salary_floor, salary_ceiling, min_contribution, max_contribution,
	employee_share_rate, employer_share_rate, max_monthly_compensation
FROM statutory_tables WHERE type=$1 AND is_active ORDER BY effective_from DESC, id DESC`

func (r *repository) ListActiveTables(ctx context.Context, typ ContributionType) ([]Table, error) {
	rows, err := r.db.Query(ctx, selectTables, string(typ))
	if err != nil {
		return nil, err
	}
	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.ID, &t.Type, &t.Frequency, &t.Name, &t.EffectiveFrom, &t.IsActive,
			&t.ContributionRate, &t.SalaryFloor, &t.SalaryCeiling, &t.MinContribution, &t.MaxContribution,
			&t.EmployeeShareRate, &t.EmployerShareRate, &t.MaxMonthlyCompensation); err != nil {
			rows.Close()
			return nil, err
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range tables {
		brackets, err := r.listBrackets(ctx, tables[i].ID)
		if err != nil {
			return nil, fmt.Errorf("table %d brackets: %w", tables[i].ID, err)
		}
		tables[i].Brackets = brackets
	}
	return tables, nil
}

func (r *repository) listBrackets(ctx context.Context, tableID int64) ([]Bracket, error) {
	rows, err := r.db.Query(ctx, `SELECT min_compensation, max_compensation, salary_credit, employee_rate,
	employer_rate, ec_amount, base_tax, excess_rate
FROM statutory_brackets WHERE table_id=$1 ORDER BY min_compensation ASC`, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var brackets []Bracket
	for rows.Next() {
		var b Bracket
		if err := rows.Scan(&b.MinCompensation, &b.MaxCompensation, &b.SalaryCredit, &b.EmployeeRate,
			&b.EmployerRate, &b.ECAmount, &b.BaseTax, &b.ExcessRate); err != nil {
			return nil, err
		}
		brackets = append(brackets, b)
	}
	return brackets, rows.Err()
}

func (r *repository) CreateTable(ctx context.Context, t Table) (int64, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO statutory_tables (type, frequency, name, effective_from, is_active,
	contribution_rate, salary_floor, salary_ceiling, min_contribution, max_contribution,
	employee_share_rate, employer_share_rate, max_monthly_compensation)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		string(t.Type), string(t.Frequency), t.Name, t.EffectiveFrom, t.IsActive,
		t.ContributionRate, t.SalaryFloor, t.SalaryCeiling, t.MinContribution, t.MaxContribution,
		t.EmployeeShareRate, t.EmployerShareRate, t.MaxMonthlyCompensation).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, b := range t.Brackets {
		if _, err := tx.Exec(ctx, `INSERT INTO statutory_brackets (table_id, min_compensation, max_compensation,
	salary_credit, employee_rate, employer_rate, ec_amount, base_tax, excess_rate)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, id, b.MinCompensation, b.MaxCompensation, b.SalaryCredit,
			b.EmployeeRate, b.EmployerRate, b.ECAmount, b.BaseTax, b.ExcessRate); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit(ctx)
}

func (r *repository) DeactivateTable(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE statutory_tables SET is_active=false, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("statutory: table %d not found", id)
	}
	return nil
}
