package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// Repository persists punches and daily time records.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListDTRs(ctx context.Context, employeeID int64, from, to time.Time) ([]DailyTimeRecord, error)
}

// TxRepository exposes the writes performed while recomputing a day.
type TxRepository interface {
	InsertPunch(ctx context.Context, p Punch) (Punch, error)
	ListPunches(ctx context.Context, employeeID int64, from, to time.Time) ([]Punch, error)
	GetDTRForUpdate(ctx context.Context, employeeID int64, date time.Time) (DailyTimeRecord, error)
	UpsertDTR(ctx context.Context, rec DailyTimeRecord) (DailyTimeRecord, error)
}

// CalendarPort reads schedule, holiday, leave and overtime collaborators. Each lookup
// returns nil when nothing applies to the date.
type CalendarPort interface {
	ScheduleFor(ctx context.Context, employeeID int64, date time.Time) (*WorkSchedule, error)
	HolidayOn(ctx context.Context, employeeID int64, date time.Time) (*Holiday, error)
	ApprovedLeave(ctx context.Context, employeeID int64, date time.Time) (*Leave, error)
	OvertimeRequest(ctx context.Context, employeeID int64, date time.Time) (*OvertimeRequest, error)
}

// ErrDTRNotFound is returned by GetDTRForUpdate when no record exists yet.
var ErrDTRNotFound = errors.New("attendance: daily time record not found")

// Service recomputes daily time records.
type Service struct {
	repo     Repository
	calendar CalendarPort
	audit    shared.AuditPort
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs the attendance service.
func NewService(repo Repository, calendar CalendarPort, audit shared.AuditPort) *Service {
	return &Service{repo: repo, calendar: calendar, audit: audit, validate: validator.New(), now: time.Now}
}

// WithNow overrides the clock used for stamps.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PunchInput captures a time-clock event.
type PunchInput struct {
	EmployeeID int64     `validate:"required,gt=0"`
	Type       PunchType `validate:"required,oneof=IN OUT"`
	At         time.Time
	Source     string    `validate:"max=32"`
}

// RecordPunch stores a punch and recomputes the day it belongs to.
func (s *Service) RecordPunch(ctx context.Context, actor shared.Actor, in PunchInput) (DailyTimeRecord, error) {
	if err := s.validate.Struct(in); err != nil {
		return DailyTimeRecord{}, fmt.Errorf("%w: %v", ErrInvalidPunch, err)
	}
	if in.At.IsZero() {
		return DailyTimeRecord{}, fmt.Errorf("%w: timestamp required", ErrInvalidPunch)
	}
	date, err := s.workDateFor(ctx, in.EmployeeID, in.Type, in.At)
	if err != nil {
		return DailyTimeRecord{}, err
	}
	day, err := s.loadDay(ctx, in.EmployeeID, date)
	if err != nil {
		return DailyTimeRecord{}, err
	}
	var rec DailyTimeRecord
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.InsertPunch(ctx, Punch{
			EmployeeID: in.EmployeeID,
			Type:       in.Type,
			At:         in.At,
			IsValid:    true,
			Source:     in.Source,
		}); err != nil {
			return err
		}
		var err error
		rec, err = s.recompute(ctx, tx, day)
		return err
	})
	if err != nil {
		return DailyTimeRecord{}, err
	}
	s.record(ctx, actor, "attendance.punch", rec, map[string]any{"type": string(in.Type), "at": in.At})
	return rec, nil
}

// RecomputeDay re-derives a single DTR from its punches.
func (s *Service) RecomputeDay(ctx context.Context, actor shared.Actor, employeeID int64, date time.Time) (DailyTimeRecord, error) {
	rec, err := s.recomputeDay(ctx, employeeID, date)
	if err != nil {
		return DailyTimeRecord{}, err
	}
	s.record(ctx, actor, "attendance.recompute", rec, nil)
	return rec, nil
}

// RecomputeRange recomputes every date in [from, to]. Locked days are skipped.
func (s *Service) RecomputeRange(ctx context.Context, actor shared.Actor, employeeID int64, from, to time.Time) ([]DailyTimeRecord, error) {
	return s.eachDay(employeeID, from, to, func(date time.Time) (DailyTimeRecord, error) {
		return s.RecomputeDay(ctx, actor, employeeID, date)
	})
}

// SyncRange brings every unlocked DTR of [from, to] up to date and returns the stored
// records of the range. Days without punches are stored too, so an unworked workday
// reaches payroll as Absent rather than missing. Locked days are returned as stored.
func (s *Service) SyncRange(ctx context.Context, employeeID int64, from, to time.Time) ([]DailyTimeRecord, error) {
	_, err := s.eachDay(employeeID, from, to, func(date time.Time) (DailyTimeRecord, error) {
		return s.recomputeDay(ctx, employeeID, date)
	})
	if err != nil {
		return nil, err
	}
	return s.ListRange(ctx, employeeID, from, to)
}

func (s *Service) eachDay(employeeID int64, from, to time.Time, fn func(time.Time) (DailyTimeRecord, error)) ([]DailyTimeRecord, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("attendance: range end %s before start %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	var out []DailyTimeRecord
	for date := truncateDay(from); !date.After(truncateDay(to)); date = date.AddDate(0, 0, 1) {
		rec, err := fn(date)
		if errors.Is(err, ErrDTRLocked) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("recompute employee %d on %s: %w", employeeID, date.Format(time.DateOnly), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) recomputeDay(ctx context.Context, employeeID int64, date time.Time) (DailyTimeRecord, error) {
	day, err := s.loadDay(ctx, employeeID, date)
	if err != nil {
		return DailyTimeRecord{}, err
	}
	var rec DailyTimeRecord
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rec, err = s.recompute(ctx, tx, day)
		return err
	})
	return rec, err
}

// ListRange returns stored DTRs for payroll consumption.
func (s *Service) ListRange(ctx context.Context, employeeID int64, from, to time.Time) ([]DailyTimeRecord, error) {
	return s.repo.ListDTRs(ctx, employeeID, truncateDay(from), truncateDay(to))
}

func (s *Service) loadDay(ctx context.Context, employeeID int64, date time.Time) (DayInput, error) {
	date = truncateDay(date)
	day := DayInput{EmployeeID: employeeID, Date: date}
	var err error
	if day.Schedule, err = s.calendar.ScheduleFor(ctx, employeeID, date); err != nil {
		return DayInput{}, fmt.Errorf("schedule lookup: %w", err)
	}
	if day.Holiday, err = s.calendar.HolidayOn(ctx, employeeID, date); err != nil {
		return DayInput{}, fmt.Errorf("holiday lookup: %w", err)
	}
	if day.Leave, err = s.calendar.ApprovedLeave(ctx, employeeID, date); err != nil {
		return DayInput{}, fmt.Errorf("leave lookup: %w", err)
	}
	if day.Overtime, err = s.calendar.OvertimeRequest(ctx, employeeID, date); err != nil {
		return DayInput{}, fmt.Errorf("overtime lookup: %w", err)
	}
	return day, nil
}

func (s *Service) recompute(ctx context.Context, tx TxRepository, day DayInput) (DailyTimeRecord, error) {
	existing, err := tx.GetDTRForUpdate(ctx, day.EmployeeID, day.Date)
	if err != nil && !errors.Is(err, ErrDTRNotFound) {
		return DailyTimeRecord{}, err
	}
	if existing.Locked {
		return DailyTimeRecord{}, ErrDTRLocked
	}
	from, to := punchWindow(day.Date, day.Schedule)
	day.Punches, err = tx.ListPunches(ctx, day.EmployeeID, from, to)
	if err != nil {
		return DailyTimeRecord{}, err
	}
	rec := Aggregate(day)
	rec.ID = existing.ID
	rec.ComputedAt = s.now()
	return tx.UpsertDTR(ctx, rec)
}

// workDateFor maps a punch to the schedule day it belongs to. A punch inside the
// previous day's window is attributed to that day; where the two windows overlap an
// OUT closes the previous day and an IN opens the current one.
func (s *Service) workDateFor(ctx context.Context, employeeID int64, typ PunchType, at time.Time) (time.Time, error) {
	today := truncateDay(at)
	prev := today.AddDate(0, 0, -1)
	prevSched, err := s.calendar.ScheduleFor(ctx, employeeID, prev)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule lookup: %w", err)
	}
	if _, end := punchWindow(prev, prevSched); !at.Before(end) {
		return today, nil
	}
	if typ == PunchOut {
		return prev, nil
	}
	sched, err := s.calendar.ScheduleFor(ctx, employeeID, today)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule lookup: %w", err)
	}
	if start, _ := punchWindow(today, sched); !at.Before(start) {
		return today, nil
	}
	return prev, nil
}

// punchWindow is the range of punch timestamps attributed to date: a 24 hour window
// opening four hours before the scheduled start, or the calendar day without a schedule.
func punchWindow(date time.Time, sched *WorkSchedule) (time.Time, time.Time) {
	if sched == nil {
		return date, date.AddDate(0, 0, 1)
	}
	start := sched.ShiftStart.On(date).Add(-4 * time.Hour)
	return start, start.Add(24 * time.Hour)
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, rec DailyTimeRecord, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["date"] = rec.Date.Format(time.DateOnly)
	meta["status"] = string(rec.Status)
	meta["needs_review"] = rec.NeedsReview
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: actor.CompanyID,
		ActorID:   actor.UserID,
		Action:    action,
		Entity:    "daily_time_record",
		EntityID:  fmt.Sprintf("%d:%s", rec.EmployeeID, rec.Date.Format(time.DateOnly)),
		Meta:      meta,
		At:        s.now(),
	})
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
