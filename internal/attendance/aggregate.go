package attendance

import (
	"sort"
	"time"
)

// DayInput carries everything needed to derive one DTR.
type DayInput struct {
	EmployeeID int64
	Date       time.Time
	Punches    []Punch
	Schedule   *WorkSchedule
	Holiday    *Holiday
	Leave      *Leave
	Overtime   *OvertimeRequest
}

type interval struct {
	start, end time.Time
}

func (iv interval) minutes() int {
	if !iv.end.After(iv.start) {
		return 0
	}
	return int(iv.end.Sub(iv.start) / time.Minute)
}

func intersect(a, b interval) interval {
	start := a.start
	if b.start.After(start) {
		start = b.start
	}
	end := a.end
	if b.end.Before(end) {
		end = b.end
	}
	return interval{start: start, end: end}
}

type pairing struct {
	pairs      []interval
	openIn     *time.Time
	orphanOuts int
	extended   int
	invalid    int
}

// pairPunches matches IN/OUT punches chronologically. Repeated INs keep the earliest,
// a repeated OUT extends the previous pair and is counted for review.
func pairPunches(punches []Punch) pairing {
	valid := make([]Punch, 0, len(punches))
	var res pairing
	for _, p := range punches {
		if !p.IsValid || (p.Type != PunchIn && p.Type != PunchOut) {
			res.invalid++
			continue
		}
		valid = append(valid, p)
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].At.Before(valid[j].At) })

	for _, p := range valid {
		at := p.At
		switch p.Type {
		case PunchIn:
			if res.openIn == nil {
				res.openIn = &at
			}
		case PunchOut:
			switch {
			case res.openIn != nil:
				res.pairs = append(res.pairs, interval{start: *res.openIn, end: at})
				res.openIn = nil
			case len(res.pairs) > 0:
				res.pairs[len(res.pairs)-1].end = at
				res.extended++
			default:
				res.orphanOuts++
			}
		}
	}
	return res
}

// Aggregate derives a daily time record from punches and the day's context. It is pure;
// persistence and locking are the caller's concern.
func Aggregate(in DayInput) DailyTimeRecord {
	y, m, d := in.Date.Date()
	rec := DailyTimeRecord{
		EmployeeID: in.EmployeeID,
		Date:       time.Date(y, m, d, 0, 0, 0, 0, in.Date.Location()),
		Status:     StatusAbsent,
		State:      StateComputed,
		Punches:    in.Punches,
	}
	if in.Holiday != nil {
		rec.HolidayType = in.Holiday.Type
	}
	if in.Leave != nil {
		rec.LeavePortion = in.Leave.Portion
		rec.PaidLeave = in.Leave.Paid
	}

	p := pairPunches(in.Punches)
	if p.invalid > 0 {
		rec.flag(ReasonInvalidPunch)
	}
	if p.orphanOuts > 0 {
		rec.flag(ReasonOrphanOut)
	}
	if p.extended > 0 {
		rec.flag(ReasonRepeatedOut)
	}
	if len(p.pairs) > 0 {
		first := p.pairs[0].start
		last := p.pairs[len(p.pairs)-1].end
		rec.FirstIn = &first
		rec.LastOut = &last
	} else if p.openIn != nil {
		first := *p.openIn
		rec.FirstIn = &first
	}
	incomplete := p.openIn != nil
	if incomplete {
		rec.flag(ReasonMissingOut)
	}
	punched := len(p.pairs) > 0 || incomplete

	if in.Schedule == nil {
		rec.flag(ReasonNoSchedule)
		rec.Status = overlayStatus(rec, punched, incomplete, true)
		rec.finish()
		return rec
	}

	sched := *in.Schedule
	rec.ScheduleID = &sched.ID
	rec.Rates = normalizeRates(sched.Rates)
	rec.ScheduledMinutes = sched.ScheduledMinutes()
	rec.RestDay = !sched.IsWorkDay(rec.Date)
	schedStart, schedEnd := sched.Bounds(rec.Date)

	worked := make([]interval, 0, len(p.pairs))
	for _, iv := range p.pairs {
		if iv.start.Before(schedStart) {
			iv.start = schedStart
		}
		if iv.minutes() > 0 {
			worked = append(worked, iv)
		}
	}
	work := 0
	for _, iv := range worked {
		work += iv.minutes()
	}
	gapTaken := 0
	for i := 1; i < len(worked); i++ {
		gapTaken += interval{start: worked[i-1].end, end: worked[i].start}.minutes()
	}
	rec.BreakMinutes = gapTaken
	halfDay := in.Leave != nil && (in.Leave.Portion == LeaveAM || in.Leave.Portion == LeavePM)
	if len(worked) > 0 && !halfDay {
		span := interval{start: worked[0].start, end: worked[len(worked)-1].end}.minutes()
		if span > sched.ShiftMinutes()/2 && gapTaken < sched.BreakMinutes {
			owed := min(sched.BreakMinutes-gapTaken, work)
			work -= owed
			rec.BreakMinutes += owed
		}
	}
	rec.TotalWorkMinutes = work
	rec.NightDiffMinutes = nightMinutes(worked, sched, rec.Date)

	if !rec.RestDay && rec.FirstIn != nil {
		if rec.FirstIn.After(schedStart.Add(time.Duration(sched.GraceMinutes) * time.Minute)) {
			rec.LateMinutes = interval{start: schedStart, end: *rec.FirstIn}.minutes()
		}
		if !incomplete && rec.LastOut != nil && rec.LastOut.Before(schedEnd) {
			rec.UndertimeMinutes = interval{start: *rec.LastOut, end: schedEnd}.minutes()
		}
	}
	rec.OvertimeMinutes = max(0, work-rec.ScheduledMinutes)
	applyOvertime(&rec, in.Overtime)

	if in.Holiday != nil {
		rec.LateMinutes = 0
		rec.UndertimeMinutes = 0
	}
	if in.Leave != nil {
		switch in.Leave.Portion {
		case LeaveFullDay:
			rec.LateMinutes = 0
			rec.UndertimeMinutes = 0
			if punched {
				rec.flag(ReasonPunchOnLeave)
			}
		case LeaveAM:
			rec.LateMinutes = 0
		case LeavePM:
			rec.UndertimeMinutes = 0
		}
	}
	rec.Status = overlayStatus(rec, punched, incomplete, false)
	if rec.Status == StatusLeave {
		rec.TotalWorkMinutes = 0
		rec.OvertimeMinutes = 0
		rec.ApprovedOvertimeMinutes = 0
		rec.NightDiffMinutes = 0
	}
	rec.finish()
	return rec
}

func applyOvertime(rec *DailyTimeRecord, req *OvertimeRequest) {
	if rec.OvertimeMinutes == 0 {
		return
	}
	if req == nil {
		rec.flag(ReasonOvertimeNoReq)
		return
	}
	switch req.Decision {
	case OvertimeApproved:
		rec.OvertimeApproved = true
		rec.ApprovedOvertimeMinutes = min(rec.OvertimeMinutes, req.ApprovedMinutes)
	case OvertimeDenied:
		rec.OvertimeDenied = true
	}
}

func overlayStatus(rec DailyTimeRecord, punched, incomplete, noSchedule bool) DTRStatus {
	switch {
	case rec.LeavePortion == LeaveFullDay:
		return StatusLeave
	case incomplete:
		return StatusIncomplete
	case punched:
		return StatusPresent
	case rec.HolidayType != "":
		return StatusHoliday
	case rec.LeavePortion != "":
		return StatusLeave
	case !noSchedule && rec.RestDay:
		return StatusRestDay
	}
	return StatusAbsent
}

// nightMinutes intersects worked time with the night windows anchored on the previous,
// current and next day so shifts crossing midnight are measured correctly.
func nightMinutes(worked []interval, sched WorkSchedule, date time.Time) int {
	if sched.NightStart == sched.NightEnd || len(worked) == 0 {
		return 0
	}
	length := int(sched.NightEnd) - int(sched.NightStart)
	if length <= 0 {
		length += 24 * 60
	}
	total := 0
	for offset := -1; offset <= 1; offset++ {
		start := sched.NightStart.On(date.AddDate(0, 0, offset))
		window := interval{start: start, end: start.Add(time.Duration(length) * time.Minute)}
		for _, iv := range worked {
			total += intersect(iv, window).minutes()
		}
	}
	return total
}

func (r *DailyTimeRecord) finish() {
	if r.NeedsReview {
		r.State = StateNeedsReview
		return
	}
	r.State = StateComputed
}
