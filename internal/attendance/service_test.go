package attendance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

type memoryRepo struct {
	punches []Punch
	dtrs    map[string]DailyTimeRecord
	nextID  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{dtrs: map[string]DailyTimeRecord{}}
}

func dtrKey(employeeID int64, date time.Time) string {
	return fmt.Sprintf("%d/%s", employeeID, date.Format(time.DateOnly))
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshotPunches := append([]Punch(nil), m.punches...)
	snapshotDTRs := make(map[string]DailyTimeRecord, len(m.dtrs))
	for k, v := range m.dtrs {
		snapshotDTRs[k] = v
	}
	if err := fn(ctx, m); err != nil {
		m.punches = snapshotPunches
		m.dtrs = snapshotDTRs
		return err
	}
	return nil
}

func (m *memoryRepo) ListDTRs(ctx context.Context, employeeID int64, from, to time.Time) ([]DailyTimeRecord, error) {
	var out []DailyTimeRecord
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if rec, ok := m.dtrs[dtrKey(employeeID, d)]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryRepo) InsertPunch(ctx context.Context, p Punch) (Punch, error) {
	m.nextID++
	p.ID = m.nextID
	m.punches = append(m.punches, p)
	return p, nil
}

func (m *memoryRepo) ListPunches(ctx context.Context, employeeID int64, from, to time.Time) ([]Punch, error) {
	var out []Punch
	for _, p := range m.punches {
		if p.EmployeeID == employeeID && !p.At.Before(from) && p.At.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetDTRForUpdate(ctx context.Context, employeeID int64, date time.Time) (DailyTimeRecord, error) {
	rec, ok := m.dtrs[dtrKey(employeeID, date)]
	if !ok {
		return DailyTimeRecord{}, ErrDTRNotFound
	}
	return rec, nil
}

func (m *memoryRepo) UpsertDTR(ctx context.Context, rec DailyTimeRecord) (DailyTimeRecord, error) {
	if rec.ID == 0 {
		m.nextID++
		rec.ID = m.nextID
	}
	m.dtrs[dtrKey(rec.EmployeeID, rec.Date)] = rec
	return rec, nil
}

type stubCalendar struct {
	schedule *WorkSchedule
	holidays map[string]*Holiday
	err      error
}

func (c stubCalendar) ScheduleFor(ctx context.Context, employeeID int64, date time.Time) (*WorkSchedule, error) {
	return c.schedule, c.err
}

func (c stubCalendar) HolidayOn(ctx context.Context, employeeID int64, date time.Time) (*Holiday, error) {
	return c.holidays[date.Format(time.DateOnly)], nil
}

func (c stubCalendar) ApprovedLeave(ctx context.Context, employeeID int64, date time.Time) (*Leave, error) {
	return nil, nil
}

func (c stubCalendar) OvertimeRequest(ctx context.Context, employeeID int64, date time.Time) (*OvertimeRequest, error) {
	return nil, nil
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

var testActor = shared.Actor{UserID: 11, CompanyID: 1}

func TestRecordPunchRecomputesDay(t *testing.T) {
	repo := newMemoryRepo()
	audit := &recordingAudit{}
	svc := NewService(repo, stubCalendar{schedule: dayShift()}, audit)
	fixed := time.Date(2025, 3, 3, 20, 0, 0, 0, manila)
	svc.WithNow(func() time.Time { return fixed })
	ctx := context.Background()

	rec, err := svc.RecordPunch(ctx, testActor, PunchInput{EmployeeID: 7, Type: PunchIn, At: at(monday, "09:00")})
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, rec.Status)

	rec, err = svc.RecordPunch(ctx, testActor, PunchInput{EmployeeID: 7, Type: PunchOut, At: at(monday, "18:00")})
	require.NoError(t, err)
	require.Equal(t, StatusPresent, rec.Status)
	require.Equal(t, 480, rec.TotalWorkMinutes)
	require.Equal(t, fixed, rec.ComputedAt)
	require.Len(t, repo.dtrs, 1)
	require.Len(t, audit.logs, 2)
	require.Equal(t, "attendance.punch", audit.logs[1].Action)
	require.Equal(t, int64(1), audit.logs[1].CompanyID)
}

func TestRecordPunchRejectsInvalidInput(t *testing.T) {
	svc := NewService(newMemoryRepo(), stubCalendar{schedule: dayShift()}, nil)
	_, err := svc.RecordPunch(context.Background(), testActor, PunchInput{EmployeeID: 7, Type: "BREAK", At: at(monday, "09:00")})
	require.ErrorIs(t, err, ErrInvalidPunch)

	_, err = svc.RecordPunch(context.Background(), testActor, PunchInput{EmployeeID: 7, Type: PunchIn})
	require.ErrorIs(t, err, ErrInvalidPunch)
}

func TestNightShiftOutPunchBelongsToPreviousDay(t *testing.T) {
	sched := dayShift()
	sched.ShiftStart = MustClock("22:00")
	sched.ShiftEnd = MustClock("06:00")
	repo := newMemoryRepo()
	svc := NewService(repo, stubCalendar{schedule: sched}, nil)
	ctx := context.Background()

	_, err := svc.RecordPunch(ctx, testActor, PunchInput{EmployeeID: 7, Type: PunchIn, At: at(monday, "22:00")})
	require.NoError(t, err)
	rec, err := svc.RecordPunch(ctx, testActor, PunchInput{EmployeeID: 7, Type: PunchOut, At: at(monday+1, "06:00")})
	require.NoError(t, err)
	require.Equal(t, at(monday, "00:00"), rec.Date)
	require.Equal(t, 420, rec.TotalWorkMinutes)
	require.Equal(t, 480, rec.NightDiffMinutes)
}

func TestDayShiftOutAfterMidnightClosesPreviousDay(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, stubCalendar{schedule: dayShift()}, nil)
	ctx := context.Background()

	_, err := svc.RecordPunch(ctx, testActor, PunchInput{EmployeeID: 7, Type: PunchIn, At: at(monday, "09:00")})
	require.NoError(t, err)
	rec, err := svc.RecordPunch(ctx, testActor, PunchInput{EmployeeID: 7, Type: PunchOut, At: at(monday+1, "02:00")})
	require.NoError(t, err)
	require.Equal(t, at(monday, "00:00"), rec.Date)
	require.NotNil(t, rec.LastOut)
	require.Equal(t, at(monday+1, "02:00"), *rec.LastOut)
	_, ok := repo.dtrs[dtrKey(7, at(monday+1, "00:00"))]
	require.False(t, ok)

	rec, err = svc.RecordPunch(ctx, testActor, PunchInput{EmployeeID: 7, Type: PunchIn, At: at(monday+1, "08:58")})
	require.NoError(t, err)
	require.Equal(t, at(monday+1, "00:00"), rec.Date)
}

func TestRecomputeLockedDayFails(t *testing.T) {
	repo := newMemoryRepo()
	date := at(monday, "00:00")
	repo.dtrs[dtrKey(7, date)] = DailyTimeRecord{ID: 99, EmployeeID: 7, Date: date, Locked: true, Status: StatusPresent}
	svc := NewService(repo, stubCalendar{schedule: dayShift()}, nil)

	_, err := svc.RecomputeDay(context.Background(), testActor, 7, date)
	require.ErrorIs(t, err, ErrDTRLocked)
	require.True(t, repo.dtrs[dtrKey(7, date)].Locked)

	recs, err := svc.RecomputeRange(context.Background(), testActor, 7, date, date.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestRecomputeRangeAppliesHoliday(t *testing.T) {
	repo := newMemoryRepo()
	holidayDate := at(monday+1, "00:00")
	cal := stubCalendar{
		schedule: dayShift(),
		holidays: map[string]*Holiday{holidayDate.Format(time.DateOnly): {Date: holidayDate, Type: HolidayRegular}},
	}
	svc := NewService(repo, cal, nil)

	recs, err := svc.RecomputeRange(context.Background(), testActor, 7, at(monday, "00:00"), at(monday+1, "00:00"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, StatusAbsent, recs[0].Status)
	require.Equal(t, StatusHoliday, recs[1].Status)

	listed, err := svc.ListRange(context.Background(), 7, at(monday, "00:00"), at(monday+1, "00:00"))
	require.NoError(t, err)
	require.Len(t, listed, 2)

	_, err = svc.RecomputeRange(context.Background(), testActor, 7, at(monday+1, "00:00"), at(monday, "00:00"))
	require.Error(t, err)
}

func TestCalendarErrorsPropagate(t *testing.T) {
	svc := NewService(newMemoryRepo(), stubCalendar{err: errors.New("db down")}, nil)
	_, err := svc.RecomputeDay(context.Background(), testActor, 7, at(monday, "00:00"))
	require.ErrorContains(t, err, "db down")
}

func TestSyncRangeStoresUnpunchedDays(t *testing.T) {
	repo := newMemoryRepo()
	locked := at(monday+2, "00:00")
	repo.dtrs[dtrKey(7, locked)] = DailyTimeRecord{ID: 99, EmployeeID: 7, Date: locked, Locked: true, Status: StatusPresent}
	repo.punches = []Punch{punch(PunchIn, at(monday, "09:00")), punch(PunchOut, at(monday, "18:00"))}
	audit := &recordingAudit{}
	svc := NewService(repo, stubCalendar{schedule: dayShift()}, audit)

	recs, err := svc.SyncRange(context.Background(), 7, at(monday, "00:00"), at(monday+6, "00:00"))
	require.NoError(t, err)
	require.Len(t, recs, 7)
	require.Equal(t, StatusPresent, recs[0].Status)
	require.Equal(t, 480, recs[0].TotalWorkMinutes)
	require.Equal(t, StatusAbsent, recs[1].Status)
	require.Equal(t, int64(99), recs[2].ID)
	require.True(t, recs[2].Locked)
	require.Equal(t, StatusRestDay, recs[5].Status)
	require.Equal(t, StatusRestDay, recs[6].Status)
	require.Empty(t, audit.logs)
}
