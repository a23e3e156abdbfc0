package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-hr/odyssey-payroll/internal/platform/db"
)

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the Postgres-backed attendance store.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const dtrColumns = `id, employee_id, work_date, schedule_id, first_in, last_out, total_work_minutes, break_minutes,
	late_minutes, undertime_minutes, overtime_minutes, approved_overtime_minutes, night_diff_minutes,
	scheduled_minutes, status, state, needs_review, review_reasons, overtime_approved, overtime_denied,
	holiday_type, leave_portion, paid_leave, rest_day, rates, locked, computed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDTR(row rowScanner) (DailyTimeRecord, error) {
	var (
		rec   DailyTimeRecord
		rates []byte
	)
	err := row.Scan(&rec.ID, &rec.EmployeeID, &rec.Date, &rec.ScheduleID, &rec.FirstIn, &rec.LastOut,
		&rec.TotalWorkMinutes, &rec.BreakMinutes, &rec.LateMinutes, &rec.UndertimeMinutes, &rec.OvertimeMinutes,
		&rec.ApprovedOvertimeMinutes, &rec.NightDiffMinutes, &rec.ScheduledMinutes, &rec.Status, &rec.State,
		&rec.NeedsReview, &rec.ReviewReasons, &rec.OvertimeApproved, &rec.OvertimeDenied, &rec.HolidayType,
		&rec.LeavePortion, &rec.PaidLeave, &rec.RestDay, &rates, &rec.Locked, &rec.ComputedAt)
	if err != nil {
		return DailyTimeRecord{}, err
	}
	if len(rates) > 0 {
		if err := json.Unmarshal(rates, &rec.Rates); err != nil {
			return DailyTimeRecord{}, err
		}
	}
	return rec, nil
}

func (r *repository) ListDTRs(ctx context.Context, employeeID int64, from, to time.Time) ([]DailyTimeRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+dtrColumns+` FROM daily_time_records
WHERE employee_id=$1 AND work_date BETWEEN $2 AND $3 ORDER BY work_date`, employeeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DailyTimeRecord
	for rows.Next() {
		rec, err := scanDTR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) InsertPunch(ctx context.Context, p Punch) (Punch, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO attendance_punches (employee_id, punch_type, punched_at, is_valid, source)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, p.EmployeeID, string(p.Type), p.At, p.IsValid, p.Source).Scan(&p.ID)
	return p, err
}

func (r *txRepository) ListPunches(ctx context.Context, employeeID int64, from, to time.Time) ([]Punch, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, employee_id, punch_type, punched_at, is_valid, source
FROM attendance_punches WHERE employee_id=$1 AND punched_at >= $2 AND punched_at < $3 ORDER BY punched_at, id`, employeeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var punches []Punch
	for rows.Next() {
		var p Punch
		if err := rows.Scan(&p.ID, &p.EmployeeID, &p.Type, &p.At, &p.IsValid, &p.Source); err != nil {
			return nil, err
		}
		punches = append(punches, p)
	}
	return punches, rows.Err()
}

func (r *txRepository) GetDTRForUpdate(ctx context.Context, employeeID int64, date time.Time) (DailyTimeRecord, error) {
	rec, err := scanDTR(r.tx.QueryRow(ctx, `SELECT `+dtrColumns+` FROM daily_time_records
WHERE employee_id=$1 AND work_date=$2 FOR UPDATE`, employeeID, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyTimeRecord{}, ErrDTRNotFound
	}
	return rec, err
}

func (r *txRepository) UpsertDTR(ctx context.Context, rec DailyTimeRecord) (DailyTimeRecord, error) {
	rates, err := json.Marshal(rec.Rates)
	if err != nil {
		return DailyTimeRecord{}, err
	}
	reasons := rec.ReviewReasons
	if reasons == nil {
		reasons = []string{}
	}
	err = r.tx.QueryRow(ctx, `INSERT INTO daily_time_records (employee_id, work_date, schedule_id, first_in, last_out,
	total_work_minutes, break_minutes, late_minutes, undertime_minutes, overtime_minutes, approved_overtime_minutes,
	night_diff_minutes, scheduled_minutes, status, state, needs_review, review_reasons, overtime_approved,
	overtime_denied, holiday_type, leave_portion, paid_leave, rest_day, rates, computed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
ON CONFLICT (employee_id, work_date) DO UPDATE SET schedule_id=EXCLUDED.schedule_id, first_in=EXCLUDED.first_in,
	last_out=EXCLUDED.last_out, total_work_minutes=EXCLUDED.total_work_minutes, break_minutes=EXCLUDED.break_minutes,
	late_minutes=EXCLUDED.late_minutes, undertime_minutes=EXCLUDED.undertime_minutes,
	overtime_minutes=EXCLUDED.overtime_minutes, approved_overtime_minutes=EXCLUDED.approved_overtime_minutes,
	night_diff_minutes=EXCLUDED.night_diff_minutes, scheduled_minutes=EXCLUDED.scheduled_minutes,
	status=EXCLUDED.status, state=EXCLUDED.state, needs_review=EXCLUDED.needs_review,
	review_reasons=EXCLUDED.review_reasons, overtime_approved=EXCLUDED.overtime_approved,
	overtime_denied=EXCLUDED.overtime_denied, holiday_type=EXCLUDED.holiday_type,
	leave_portion=EXCLUDED.leave_portion, paid_leave=EXCLUDED.paid_leave, rest_day=EXCLUDED.rest_day,
	rates=EXCLUDED.rates, computed_at=EXCLUDED.computed_at, updated_at=NOW()
WHERE NOT daily_time_records.locked
RETURNING id`, rec.EmployeeID, rec.Date, rec.ScheduleID, rec.FirstIn, rec.LastOut, rec.TotalWorkMinutes,
		rec.BreakMinutes, rec.LateMinutes, rec.UndertimeMinutes, rec.OvertimeMinutes, rec.ApprovedOvertimeMinutes,
		rec.NightDiffMinutes, rec.ScheduledMinutes, string(rec.Status), string(rec.State), rec.NeedsReview, reasons,
		rec.OvertimeApproved, rec.OvertimeDenied, string(rec.HolidayType), string(rec.LeavePortion), rec.PaidLeave,
		rec.RestDay, rates, rec.ComputedAt).Scan(&rec.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyTimeRecord{}, ErrDTRLocked
	}
	return rec, err
}

type calendarRepository struct {
	db *pgxpool.Pool
}

// NewCalendarRepository reads schedules, holidays, leave and overtime from Postgres.
func NewCalendarRepository(db *pgxpool.Pool) CalendarPort {
	return &calendarRepository{db: db}
}

func (r *calendarRepository) ScheduleFor(ctx context.Context, employeeID int64, date time.Time) (*WorkSchedule, error) {
	var (
		s        WorkSchedule
		workDays []int32
	)
	err := r.db.QueryRow(ctx, `SELECT ws.id, ws.name, ws.shift_start, ws.shift_end, ws.break_minutes, ws.grace_minutes,
	ws.night_start, ws.night_end, ws.work_days, ws.overtime_rate, ws.night_diff_rate, ws.rest_day_rate,
	ws.regular_holiday_rate, ws.special_holiday_rate
FROM employee_schedule_assignments esa
JOIN work_schedules ws ON ws.id = esa.schedule_id
WHERE esa.employee_id=$1 AND esa.effective_from <= $2 AND (esa.effective_to IS NULL OR esa.effective_to >= $2)
ORDER BY esa.effective_from DESC LIMIT 1`, employeeID, date).Scan(&s.ID, &s.Name, &s.ShiftStart, &s.ShiftEnd,
		&s.BreakMinutes, &s.GraceMinutes, &s.NightStart, &s.NightEnd, &workDays, &s.Rates.Overtime,
		&s.Rates.NightDiff, &s.Rates.RestDay, &s.Rates.RegularHoliday, &s.Rates.SpecialHoliday)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, d := range workDays {
		s.WorkDays = append(s.WorkDays, time.Weekday(d))
	}
	s.Rates = normalizeRates(s.Rates)
	return &s, nil
}

func (r *calendarRepository) HolidayOn(ctx context.Context, employeeID int64, date time.Time) (*Holiday, error) {
	var h Holiday
	err := r.db.QueryRow(ctx, `SELECT h.holiday_date, h.name, h.type FROM holidays h
JOIN employees e ON e.company_id = h.company_id
WHERE e.id=$1 AND h.holiday_date=$2
ORDER BY CASE h.type WHEN 'REGULAR' THEN 0 ELSE 1 END LIMIT 1`, employeeID, date).Scan(&h.Date, &h.Name, &h.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *calendarRepository) ApprovedLeave(ctx context.Context, employeeID int64, date time.Time) (*Leave, error) {
	l := Leave{Date: date}
	err := r.db.QueryRow(ctx, `SELECT leave_type, portion, is_paid FROM leave_applications
WHERE employee_id=$1 AND status='APPROVED' AND $2 BETWEEN start_date AND end_date
ORDER BY CASE portion WHEN 'FULL' THEN 0 ELSE 1 END LIMIT 1`, employeeID, date).Scan(&l.LeaveType, &l.Portion, &l.Paid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *calendarRepository) OvertimeRequest(ctx context.Context, employeeID int64, date time.Time) (*OvertimeRequest, error) {
	o := OvertimeRequest{Date: date}
	err := r.db.QueryRow(ctx, `SELECT status, approved_minutes FROM overtime_requests
WHERE employee_id=$1 AND work_date=$2 AND status IN ('APPROVED','DENIED')
ORDER BY decided_at DESC NULLS LAST LIMIT 1`, employeeID, date).Scan(&o.Decision, &o.ApprovedMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}
