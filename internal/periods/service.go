package periods

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// Repository persists cycles and periods.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPeriod(ctx context.Context, id int64) (Period, error)
	ListPeriods(ctx context.Context, companyID int64, status Status) ([]Period, error)
	ListCycles(ctx context.Context, companyID int64) ([]Cycle, error)
}

// TxRepository exposes the operations available inside a transaction.
type TxRepository interface {
	InsertCycle(ctx context.Context, c Cycle) (Cycle, error)
	GetCycle(ctx context.Context, id int64) (Cycle, error)
	InsertPeriod(ctx context.Context, p Period) (Period, error)
	GetPeriodForUpdate(ctx context.Context, id int64) (Period, error)
	ListOverlapping(ctx context.Context, cycleID int64, start, end time.Time) ([]Period, error)
	UpdatePeriod(ctx context.Context, p Period) error
	EntrySummary(ctx context.Context, periodID int64) (EntrySummary, error)
	SumEntries(ctx context.Context, periodID int64) (Totals, error)
}

// Service drives the payroll period lifecycle.
type Service struct {
	repo     Repository
	audit    shared.AuditPort
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs the periods service.
func NewService(repo Repository, audit shared.AuditPort) *Service {
	return &Service{repo: repo, audit: audit, validate: validator.New(), now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateCycle stores a payroll cycle for the actor's company.
func (s *Service) CreateCycle(ctx context.Context, actor shared.Actor, in CycleInput) (Cycle, error) {
	if !actor.Valid() {
		return Cycle{}, shared.ErrInvalidActor
	}
	if err := s.validate.Struct(in); err != nil {
		return Cycle{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	c := Cycle{
		CompanyID:         actor.CompanyID,
		Name:              strings.TrimSpace(in.Name),
		Frequency:         in.Frequency,
		FirstCutoffDay:    in.FirstCutoffDay,
		PayDateOffsetDays: in.PayDateOffsetDays,
		IsActive:          true,
		CreatedAt:         s.now(),
	}
	if c.FirstCutoffDay == 0 {
		c.FirstCutoffDay = defaultFirstCutoffDay
	}
	var created Cycle
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.InsertCycle(ctx, c)
		return err
	})
	if err != nil {
		return Cycle{}, err
	}
	s.record(ctx, actor, "payroll_cycle.create", "payroll_cycle", created.ID, map[string]any{"frequency": string(created.Frequency)})
	return created, nil
}

// CreatePeriod inserts a Draft regular period after checking the cycle has no
// overlapping period.
func (s *Service) CreatePeriod(ctx context.Context, actor shared.Actor, in PeriodInput) (Period, error) {
	if !actor.Valid() {
		return Period{}, shared.ErrInvalidActor
	}
	if err := s.validate.Struct(in); err != nil {
		return Period{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	var created Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cycle, err := s.loadCycle(ctx, tx, actor, in.CycleID)
		if err != nil {
			return err
		}
		overlapping, err := tx.ListOverlapping(ctx, cycle.ID, in.CutoffStart, in.CutoffEnd)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 {
			return ErrPeriodOverlap
		}
		w := window(cycle, in.CutoffStart, in.CutoffEnd, in.Sequence)
		if in.Name != "" {
			w.Name = strings.TrimSpace(in.Name)
		}
		if !in.PayDate.IsZero() {
			w.PayDate = in.PayDate
		}
		if w.Sequence == 0 {
			w.Sequence = sequenceOf(cycle, in.CutoffStart)
		}
		created, err = tx.InsertPeriod(ctx, s.draft(cycle, w))
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, actor, "payroll_period.create", "payroll_period", created.ID, map[string]any{
		"cutoff_start": created.CutoffStart.Format(time.DateOnly),
		"cutoff_end":   created.CutoffEnd.Format(time.DateOnly),
	})
	return created, nil
}

// GeneratePeriods creates the Draft periods of a cycle for one month. Windows that
// already exist are returned unchanged; a window that partially overlaps an existing
// period fails the whole batch.
func (s *Service) GeneratePeriods(ctx context.Context, actor shared.Actor, cycleID int64, year int, month time.Month) ([]Period, error) {
	if !actor.Valid() {
		return nil, shared.ErrInvalidActor
	}
	if month < time.January || month > time.December || year < 2000 {
		return nil, fmt.Errorf("%w: invalid month %d-%02d", ErrInvalidInput, year, month)
	}
	var out []Period
	var created []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cycle, err := s.loadCycle(ctx, tx, actor, cycleID)
		if err != nil {
			return err
		}
		if !cycle.IsActive {
			return fmt.Errorf("%w: cycle %d is inactive", ErrInvalidInput, cycle.ID)
		}
		for _, w := range Windows(cycle, year, month) {
			overlapping, err := tx.ListOverlapping(ctx, cycle.ID, w.Start, w.End)
			if err != nil {
				return err
			}
			if existing, ok := sameWindow(overlapping, w); ok {
				out = append(out, existing)
				continue
			}
			if len(overlapping) > 0 {
				return ErrPeriodOverlap
			}
			p, err := tx.InsertPeriod(ctx, s.draft(cycle, w))
			if err != nil {
				return err
			}
			created = append(created, p.ID)
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range created {
		s.record(ctx, actor, "payroll_period.generate", "payroll_period", id, map[string]any{"cycle_id": cycleID})
	}
	return out, nil
}

// CreateCorrectionPeriod opens a Draft correction of a Closed period over the same
// cutoff window.
func (s *Service) CreateCorrectionPeriod(ctx context.Context, actor shared.Actor, closedID int64) (Period, error) {
	if !actor.Valid() {
		return Period{}, shared.ErrInvalidActor
	}
	var created Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetPeriodForUpdate(ctx, closedID)
		if err != nil {
			return err
		}
		if original.CompanyID != actor.CompanyID {
			return ErrPeriodNotFound
		}
		if original.Status != StatusClosed {
			return ErrNotClosed
		}
		if original.Type == TypeCorrection {
			return fmt.Errorf("%w: cannot correct a correction period", ErrInvalidInput)
		}
		overlapping, err := tx.ListOverlapping(ctx, original.CycleID, original.CutoffStart, original.CutoffEnd)
		if err != nil {
			return err
		}
		for _, p := range overlapping {
			if !p.exemptFrom(original.ID) {
				return ErrPeriodOverlap
			}
		}
		now := s.now()
		id := original.ID
		created, err = tx.InsertPeriod(ctx, Period{
			CompanyID:        original.CompanyID,
			CycleID:          original.CycleID,
			Frequency:        original.Frequency,
			Name:             original.Name + " (correction)",
			CutoffStart:      original.CutoffStart,
			CutoffEnd:        original.CutoffEnd,
			PayDate:          original.PayDate,
			Sequence:         original.Sequence,
			Status:           StatusDraft,
			Type:             TypeCorrection,
			CorrectsPeriodID: &id,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, actor, "payroll_period.correction", "payroll_period", created.ID, map[string]any{"corrects_period_id": closedID})
	return created, nil
}

// Transition moves a period to target. The check and the write happen under a row lock.
// Closing requires at least one entry and every entry Approved, and snapshots totals.
func (s *Service) Transition(ctx context.Context, actor shared.Actor, periodID int64, target Status) (Period, error) {
	if !actor.Valid() {
		return Period{}, shared.ErrInvalidActor
	}
	var (
		updated Period
		from    Status
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if p.CompanyID != actor.CompanyID {
			return ErrPeriodNotFound
		}
		from = p.Status
		if !p.Status.CanTransitionTo(target) {
			return shared.NewTransitionError("payroll_period", p.Status, target)
		}
		now := s.now()
		switch target {
		case StatusOpen:
			if p.OpenedAt == nil {
				p.OpenedAt = &now
			}
		case StatusClosed:
			summary, err := tx.EntrySummary(ctx, p.ID)
			if err != nil {
				return err
			}
			if summary.Total == 0 {
				return fmt.Errorf("%w: %w", shared.NewTransitionError("payroll_period", p.Status, target), ErrNoEntries)
			}
			if summary.Approved < summary.Total {
				return fmt.Errorf("%w: %w (%d of %d)", shared.NewTransitionError("payroll_period", p.Status, target),
					ErrEntriesNotApproved, summary.Approved, summary.Total)
			}
			totals, err := tx.SumEntries(ctx, p.ID)
			if err != nil {
				return err
			}
			closedBy := actor.UserID
			p.Totals = totals
			p.ClosedAt = &now
			p.ClosedBy = &closedBy
		}
		p.Status = target
		p.UpdatedAt = now
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, actor, "payroll_period.transition", "payroll_period", periodID, map[string]any{
		"from": string(from),
		"to":   string(target),
	})
	return updated, nil
}

// RefreshTotals recomputes the period aggregates from its entries.
func (s *Service) RefreshTotals(ctx context.Context, periodID int64) (Period, error) {
	var updated Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPeriodForUpdate(ctx, periodID)
		if err != nil {
			return err
		}
		if p.Status == StatusClosed {
			updated = p
			return nil
		}
		totals, err := tx.SumEntries(ctx, p.ID)
		if err != nil {
			return err
		}
		p.Totals = totals
		p.UpdatedAt = s.now()
		if err := tx.UpdatePeriod(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	return updated, nil
}

// GetPeriod returns a period by id.
func (s *Service) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return s.repo.GetPeriod(ctx, id)
}

// ListPeriods returns a company's periods, optionally filtered by status.
func (s *Service) ListPeriods(ctx context.Context, companyID int64, status Status) ([]Period, error) {
	return s.repo.ListPeriods(ctx, companyID, status)
}

// ListCycles returns a company's payroll cycles.
func (s *Service) ListCycles(ctx context.Context, companyID int64) ([]Cycle, error) {
	return s.repo.ListCycles(ctx, companyID)
}

func (s *Service) loadCycle(ctx context.Context, tx TxRepository, actor shared.Actor, id int64) (Cycle, error) {
	cycle, err := tx.GetCycle(ctx, id)
	if err != nil {
		return Cycle{}, err
	}
	if cycle.CompanyID != actor.CompanyID {
		return Cycle{}, ErrCycleNotFound
	}
	return cycle, nil
}

func (s *Service) draft(c Cycle, w Window) Period {
	now := s.now()
	return Period{
		CompanyID:   c.CompanyID,
		CycleID:     c.ID,
		Frequency:   c.Frequency,
		Name:        w.Name,
		CutoffStart: w.Start,
		CutoffEnd:   w.End,
		PayDate:     w.PayDate,
		Sequence:    w.Sequence,
		Status:      StatusDraft,
		Type:        TypeRegular,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		CompanyID: actor.CompanyID,
		ActorID:   actor.UserID,
		Action:    action,
		Entity:    entity,
		EntityID:  fmt.Sprintf("%d", id),
		Meta:      meta,
		At:        s.now(),
	})
}

func sameWindow(periods []Period, w Window) (Period, bool) {
	for _, p := range periods {
		if p.Type != TypeRegular || !p.CutoffStart.Equal(w.Start) || !p.CutoffEnd.Equal(w.End) {
			continue
		}
		for _, other := range periods {
			if other.ID != p.ID && (other.CorrectsPeriodID == nil || *other.CorrectsPeriodID != p.ID) {
				return Period{}, false
			}
		}
		return p, true
	}
	return Period{}, false
}

func sequenceOf(c Cycle, start time.Time) int {
	if c.Frequency == FrequencySemiMonthly && start.Day() > max(c.FirstCutoffDay, 1) {
		return 2
	}
	return 1
}
