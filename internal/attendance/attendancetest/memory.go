// Package attendancetest provides an in-memory attendance store and calendar for tests.
package attendancetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-hr/odyssey-payroll/internal/attendance"
)

// Store implements attendance.Repository in memory. Transactions are serialised.
type Store struct {
	mu      sync.Mutex
	punches []attendance.Punch
	dtrs    map[dayKey]attendance.DailyTimeRecord
	nextID  int64
}

type dayKey struct {
	employeeID int64
	date       string
}

func keyFor(employeeID int64, date time.Time) dayKey {
	return dayKey{employeeID: employeeID, date: date.Format(time.DateOnly)}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{dtrs: map[dayKey]attendance.DailyTimeRecord{}}
}

// AddPunch stores a punch without recomputing its day.
func (s *Store) AddPunch(p attendance.Punch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.punches = append(s.punches, p)
}

// Lock marks a stored DTR as locked.
func (s *Store) Lock(employeeID int64, date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyFor(employeeID, date)
	rec := s.dtrs[k]
	rec.Locked = true
	s.dtrs[k] = rec
}

// Count returns how many DTRs are stored for the employee.
func (s *Store) Count(employeeID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.dtrs {
		if k.employeeID == employeeID {
			n++
		}
	}
	return n
}

func (s *Store) WithTx(ctx context.Context, fn func(context.Context, attendance.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	punches := append([]attendance.Punch(nil), s.punches...)
	dtrs := make(map[dayKey]attendance.DailyTimeRecord, len(s.dtrs))
	for k, v := range s.dtrs {
		dtrs[k] = v
	}
	nextID := s.nextID
	if err := fn(ctx, (*tx)(s)); err != nil {
		s.punches, s.dtrs, s.nextID = punches, dtrs, nextID
		return err
	}
	return nil
}

func (s *Store) ListDTRs(ctx context.Context, employeeID int64, from, to time.Time) ([]attendance.DailyTimeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.DailyTimeRecord
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if rec, ok := s.dtrs[keyFor(employeeID, d)]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// tx runs inside WithTx with the store lock held.
type tx Store

func (t *tx) InsertPunch(ctx context.Context, p attendance.Punch) (attendance.Punch, error) {
	t.nextID++
	p.ID = t.nextID
	t.punches = append(t.punches, p)
	return p, nil
}

func (t *tx) ListPunches(ctx context.Context, employeeID int64, from, to time.Time) ([]attendance.Punch, error) {
	var out []attendance.Punch
	for _, p := range t.punches {
		if p.EmployeeID == employeeID && !p.At.Before(from) && p.At.Before(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (t *tx) GetDTRForUpdate(ctx context.Context, employeeID int64, date time.Time) (attendance.DailyTimeRecord, error) {
	rec, ok := t.dtrs[keyFor(employeeID, date)]
	if !ok {
		return attendance.DailyTimeRecord{}, attendance.ErrDTRNotFound
	}
	return rec, nil
}

func (t *tx) UpsertDTR(ctx context.Context, rec attendance.DailyTimeRecord) (attendance.DailyTimeRecord, error) {
	if rec.ID == 0 {
		t.nextID++
		rec.ID = t.nextID
	}
	t.dtrs[keyFor(rec.EmployeeID, rec.Date)] = rec
	return rec, nil
}

// Calendar assigns one schedule to every employee and serves holidays by date.
type Calendar struct {
	Schedule *attendance.WorkSchedule
	Holidays map[string]*attendance.Holiday
}

func (c Calendar) ScheduleFor(ctx context.Context, employeeID int64, date time.Time) (*attendance.WorkSchedule, error) {
	return c.Schedule, nil
}

func (c Calendar) HolidayOn(ctx context.Context, employeeID int64, date time.Time) (*attendance.Holiday, error) {
	return c.Holidays[date.Format(time.DateOnly)], nil
}

func (c Calendar) ApprovedLeave(ctx context.Context, employeeID int64, date time.Time) (*attendance.Leave, error) {
	return nil, nil
}

func (c Calendar) OvertimeRequest(ctx context.Context, employeeID int64, date time.Time) (*attendance.OvertimeRequest, error) {
	return nil, nil
}
