// Package attendance turns raw time-clock punches into daily time records.
package attendance

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PunchType distinguishes clock-in from clock-out.
type PunchType string

const (
	PunchIn  PunchType = "IN"
	PunchOut PunchType = "OUT"
)

// Punch is a single time-clock event.
type Punch struct {
	ID         int64     `json:"id"`
	EmployeeID int64     `json:"employee_id"`
	Type       PunchType `json:"type"`
	At         time.Time `json:"at"`
	IsValid    bool      `json:"is_valid"`
	Source     string    `json:"source"`
}

// Clock is a time of day in minutes after midnight.
type Clock int

// ParseClock parses "15:04" into a Clock.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("attendance: invalid clock %q", s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

// MustClock is ParseClock for constants.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String renders the clock as HH:MM.
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On anchors the clock to the calendar day of date.
func (c Clock) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, date.Location()).Add(time.Duration(c) * time.Minute)
}

// PremiumRates are the pay multipliers a schedule defines.
type PremiumRates struct {
	Overtime       decimal.Decimal `json:"overtime"`
	NightDiff      decimal.Decimal `json:"night_diff"`
	RestDay        decimal.Decimal `json:"rest_day"`
	RegularHoliday decimal.Decimal `json:"regular_holiday"`
	SpecialHoliday decimal.Decimal `json:"special_holiday"`
}

// DefaultPremiumRates follows the Labor Code minimums.
func DefaultPremiumRates() PremiumRates {
	return PremiumRates{
		Overtime:       decimal.RequireFromString("1.25"),
		NightDiff:      decimal.RequireFromString("0.10"),
		RestDay:        decimal.RequireFromString("1.30"),
		RegularHoliday: decimal.RequireFromString("2.00"),
		SpecialHoliday: decimal.RequireFromString("1.30"),
	}
}

// rateOrDefault keeps zero-valued premium columns from disabling premiums.
func rateOrDefault(v, def decimal.Decimal) decimal.Decimal {
	if v.IsZero() {
		return def
	}
	return v
}

// normalizeRates fills missing multipliers with the statutory minimums.
func normalizeRates(r PremiumRates) PremiumRates {
	def := DefaultPremiumRates()
	return PremiumRates{
		Overtime:       rateOrDefault(r.Overtime, def.Overtime),
		NightDiff:      rateOrDefault(r.NightDiff, def.NightDiff),
		RestDay:        rateOrDefault(r.RestDay, def.RestDay),
		RegularHoliday: rateOrDefault(r.RegularHoliday, def.RegularHoliday),
		SpecialHoliday: rateOrDefault(r.SpecialHoliday, def.SpecialHoliday),
	}
}

// WorkSchedule is the shift an employee is assigned to.
type WorkSchedule struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	ShiftStart   Clock          `json:"shift_start"`
	ShiftEnd     Clock          `json:"shift_end"`
	BreakMinutes int            `json:"break_minutes"`
	GraceMinutes int            `json:"grace_minutes"`
	NightStart   Clock          `json:"night_start"`
	NightEnd     Clock          `json:"night_end"`
	WorkDays     []time.Weekday `json:"work_days"`
	Rates        PremiumRates   `json:"rates"`
}

// CrossesMidnight reports whether the shift ends on the following day.
func (s WorkSchedule) CrossesMidnight() bool {
	return s.ShiftEnd <= s.ShiftStart
}

// ShiftMinutes is the length of the shift including break.
func (s WorkSchedule) ShiftMinutes() int {
	if s.CrossesMidnight() {
		return int(s.ShiftEnd) + 24*60 - int(s.ShiftStart)
	}
	return int(s.ShiftEnd - s.ShiftStart)
}

// ScheduledMinutes is the paid working time of one shift.
func (s WorkSchedule) ScheduledMinutes() int {
	return max(0, s.ShiftMinutes()-s.BreakMinutes)
}

// Bounds returns the scheduled start and end for date.
func (s WorkSchedule) Bounds(date time.Time) (time.Time, time.Time) {
	start := s.ShiftStart.On(date)
	return start, start.Add(time.Duration(s.ShiftMinutes()) * time.Minute)
}

// IsWorkDay reports whether date falls on one of the schedule's work days.
func (s WorkSchedule) IsWorkDay(date time.Time) bool {
	for _, d := range s.WorkDays {
		if d == date.Weekday() {
			return true
		}
	}
	return false
}

// Validate checks schedule consistency.
func (s WorkSchedule) Validate() error {
	if s.ShiftStart < 0 || s.ShiftStart >= 24*60 || s.ShiftEnd < 0 || s.ShiftEnd >= 24*60 {
		return fmt.Errorf("%w: shift clock out of range", ErrInvalidSchedule)
	}
	if s.BreakMinutes < 0 || s.GraceMinutes < 0 {
		return fmt.Errorf("%w: negative break or grace", ErrInvalidSchedule)
	}
	if s.BreakMinutes >= s.ShiftMinutes() {
		return fmt.Errorf("%w: break longer than shift", ErrInvalidSchedule)
	}
	if len(s.WorkDays) == 0 {
		return fmt.Errorf("%w: no work days", ErrInvalidSchedule)
	}
	return nil
}

// HolidayType is the legal classification of a holiday.
type HolidayType string

const (
	HolidayRegular HolidayType = "REGULAR"
	HolidaySpecial HolidayType = "SPECIAL"
)

// Holiday is a calendar entry from the holiday collaborator.
type Holiday struct {
	Date time.Time   `json:"date"`
	Name string      `json:"name"`
	Type HolidayType `json:"type"`
}

// LeavePortion is how much of the day an approved leave covers.
type LeavePortion string

const (
	LeaveFullDay LeavePortion = "FULL"
	LeaveAM      LeavePortion = "AM"
	LeavePM      LeavePortion = "PM"
)

// Leave is an approved leave application day.
type Leave struct {
	Date      time.Time    `json:"date"`
	LeaveType string       `json:"leave_type"`
	Portion   LeavePortion `json:"portion"`
	Paid      bool         `json:"paid"`
}

// OvertimeDecision is the status of an overtime request.
type OvertimeDecision string

const (
	OvertimeApproved OvertimeDecision = "APPROVED"
	OvertimeDenied   OvertimeDecision = "DENIED"
)

// OvertimeRequest is the collaborator record authorising overtime on a date.
type OvertimeRequest struct {
	Date            time.Time        `json:"date"`
	Decision        OvertimeDecision `json:"decision"`
	ApprovedMinutes int              `json:"approved_minutes"`
}

// DTRStatus classifies the day.
type DTRStatus string

const (
	StatusPresent    DTRStatus = "PRESENT"
	StatusAbsent     DTRStatus = "ABSENT"
	StatusLeave      DTRStatus = "LEAVE"
	StatusHoliday    DTRStatus = "HOLIDAY"
	StatusRestDay    DTRStatus = "REST_DAY"
	StatusIncomplete DTRStatus = "INCOMPLETE"
)

// DTRState tracks aggregation progress.
type DTRState string

const (
	StateUnprocessed DTRState = "UNPROCESSED"
	StateComputed    DTRState = "COMPUTED"
	StateNeedsReview DTRState = "NEEDS_REVIEW"
)

// DailyTimeRecord is the per employee, per date aggregate.
type DailyTimeRecord struct {
	ID                      int64        `json:"id"`
	EmployeeID              int64        `json:"employee_id"`
	Date                    time.Time    `json:"date"`
	ScheduleID              *int64       `json:"schedule_id,omitempty"`
	FirstIn                 *time.Time   `json:"first_in,omitempty"`
	LastOut                 *time.Time   `json:"last_out,omitempty"`
	TotalWorkMinutes        int          `json:"total_work_minutes"`
	BreakMinutes            int          `json:"break_minutes"`
	LateMinutes             int          `json:"late_minutes"`
	UndertimeMinutes        int          `json:"undertime_minutes"`
	OvertimeMinutes         int          `json:"overtime_minutes"`
	ApprovedOvertimeMinutes int          `json:"approved_overtime_minutes"`
	NightDiffMinutes        int          `json:"night_diff_minutes"`
	ScheduledMinutes        int          `json:"scheduled_minutes"`
	Status                  DTRStatus    `json:"status"`
	State                   DTRState     `json:"state"`
	NeedsReview             bool         `json:"needs_review"`
	ReviewReasons           []string     `json:"review_reasons,omitempty"`
	OvertimeApproved        bool         `json:"overtime_approved"`
	OvertimeDenied          bool         `json:"overtime_denied"`
	HolidayType             HolidayType  `json:"holiday_type,omitempty"`
	LeavePortion            LeavePortion `json:"leave_portion,omitempty"`
	PaidLeave               bool         `json:"paid_leave"`
	RestDay                 bool         `json:"rest_day"`
	Rates                   PremiumRates `json:"rates"`
	Locked                  bool         `json:"locked"`
	Punches                 []Punch      `json:"punches,omitempty"`
	ComputedAt              time.Time    `json:"computed_at"`
}

// IsHoliday reports whether the day is a holiday.
func (r DailyTimeRecord) IsHoliday() bool { return r.HolidayType != "" }

// Worked reports whether the day has paired work time.
func (r DailyTimeRecord) Worked() bool { return r.TotalWorkMinutes > 0 }

func (r *DailyTimeRecord) flag(reason string) {
	r.NeedsReview = true
	r.ReviewReasons = append(r.ReviewReasons, reason)
}

// Review reasons recorded on a DTR.
const (
	ReasonNoSchedule    = "no work schedule assigned"
	ReasonMissingOut    = "IN punch without matching OUT"
	ReasonOrphanOut     = "OUT punch without preceding IN"
	ReasonRepeatedOut   = "repeated OUT punch extended the previous pair"
	ReasonPunchOnLeave  = "punches recorded on a full-day leave"
	ReasonInvalidPunch  = "invalid punches ignored"
	ReasonOvertimeNoReq = "overtime without approved request"
)

var (
	// ErrDTRLocked indicates the record belongs to an approved payroll entry.
	ErrDTRLocked = errors.New("attendance: daily time record locked by approved payroll")
	// ErrInvalidSchedule indicates a malformed work schedule.
	ErrInvalidSchedule = errors.New("attendance: invalid work schedule")
	// ErrInvalidPunch indicates a malformed punch.
	ErrInvalidPunch = errors.New("attendance: invalid punch")
)
