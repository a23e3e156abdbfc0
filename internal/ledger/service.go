package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

// Repository persists adjustments, loans and their ledgers.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListAdjustments(ctx context.Context, employeeID int64) ([]Adjustment, error)
	ListLoans(ctx context.Context, employeeID int64) ([]Loan, error)
	ListApplications(ctx context.Context, adjustmentID int64) ([]Application, error)
	ListLoanPayments(ctx context.Context, loanID int64) ([]LoanPayment, error)
	ListBalances(ctx context.Context) ([]BalanceCheck, error)
}

// TxRepository exposes the transactional ledger operations. Payroll computation builds
// one over its own transaction so ledger writes commit with the entry.
type TxRepository interface {
	GetPeriodRef(ctx context.Context, periodID int64) (PeriodRef, error)
	EntryApproved(ctx context.Context, employeeID, periodID int64) (bool, error)

	InsertAdjustment(ctx context.Context, a Adjustment) (Adjustment, error)
	GetAdjustmentForUpdate(ctx context.Context, id int64) (Adjustment, error)
	UpdateAdjustment(ctx context.Context, a Adjustment) (Adjustment, error)
	ListEmployeeAdjustments(ctx context.Context, employeeID int64) ([]Adjustment, error)
	InsertApplication(ctx context.Context, row Application) (Application, error)
	ListPeriodApplications(ctx context.Context, employeeID, periodID int64) ([]Application, error)

	InsertLoan(ctx context.Context, l Loan) (Loan, error)
	GetLoanForUpdate(ctx context.Context, id int64) (Loan, error)
	UpdateLoan(ctx context.Context, l Loan) (Loan, error)
	ListEmployeeLoans(ctx context.Context, employeeID int64) ([]Loan, error)
	InsertLoanPayment(ctx context.Context, p LoanPayment) (LoanPayment, error)
	ListPeriodLoanPayments(ctx context.Context, employeeID, periodID int64) ([]LoanPayment, error)
}

// Service applies adjustments and loans.
type Service struct {
	repo     Repository
	audit    shared.AuditPort
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, audit shared.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, validate: validator.New(), now: time.Now}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// AdjustmentInput creates an adjustment.
type AdjustmentInput struct {
	EmployeeID           int64           `validate:"required,gt=0"`
	Category             Category        `validate:"required,oneof=EARNING DEDUCTION"`
	TypeCode             string          `validate:"required,max=32"`
	Description          string          `validate:"max=255"`
	Taxable              bool
	Frequency            Frequency `validate:"required,oneof=ONE_TIME RECURRING"`
	TargetPeriodID       *int64
	RecurringStart       *time.Time
	RecurringEnd         *time.Time
	Interval             Interval `validate:"omitempty,oneof=EVERY_PERIOD FIRST_HALF SECOND_HALF"`
	RemainingOccurrences *int     `validate:"omitempty,gt=0"`
	Amount               decimal.Decimal
	HasBalanceTracking   bool
	TotalAmount          decimal.Decimal
}

// Validate checks the cross-field rules the struct tags cannot express.
func (in AdjustmentInput) Validate() error {
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	switch in.Frequency {
	case FrequencyOneTime:
		if in.TargetPeriodID == nil {
			return fmt.Errorf("%w: one-time adjustment requires a target period", ErrInvalidInput)
		}
	case FrequencyRecurring:
		if in.RecurringStart == nil {
			return fmt.Errorf("%w: recurring adjustment requires a start date", ErrInvalidInput)
		}
		if in.RecurringEnd != nil && in.RecurringEnd.Before(*in.RecurringStart) {
			return fmt.Errorf("%w: recurring end before start", ErrInvalidInput)
		}
	}
	if in.HasBalanceTracking && !in.TotalAmount.IsPositive() {
		return fmt.Errorf("%w: balance tracking requires a total amount", ErrInvalidInput)
	}
	return nil
}

// CreateAdjustment stores a new Active adjustment.
func (s *Service) CreateAdjustment(ctx context.Context, actor shared.Actor, in AdjustmentInput) (Adjustment, error) {
	if err := s.validate.Struct(in); err != nil {
		return Adjustment{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := in.Validate(); err != nil {
		return Adjustment{}, err
	}
	now := s.now()
	a := Adjustment{
		EmployeeID:           in.EmployeeID,
		Category:             in.Category,
		TypeCode:             in.TypeCode,
		Description:          in.Description,
		Taxable:              in.Taxable,
		Frequency:            in.Frequency,
		TargetPeriodID:       in.TargetPeriodID,
		RecurringStart:       in.RecurringStart,
		RecurringEnd:         in.RecurringEnd,
		Interval:             in.Interval,
		RemainingOccurrences: in.RemainingOccurrences,
		Amount:               shared.Round2(in.Amount),
		HasBalanceTracking:   in.HasBalanceTracking,
		TotalAmount:          decimal.Zero,
		TotalApplied:         decimal.Zero,
		RemainingBalance:     decimal.Zero,
		Status:               StatusActive,
		Metadata:             map[string]any{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if a.Frequency == FrequencyRecurring && a.Interval == "" {
		a.Interval = IntervalEveryPeriod
	}
	if a.HasBalanceTracking {
		a.TotalAmount = shared.Round2(in.TotalAmount)
		a.RemainingBalance = a.TotalAmount
	}
	var created Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.InsertAdjustment(ctx, a)
		return err
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.record(ctx, actor, "adjustment.create", KindAdjustment, created.ID, map[string]any{
		"category": string(created.Category),
		"amount":   created.Amount.String(),
	})
	return created, nil
}

// LoanInput creates a loan.
type LoanInput struct {
	EmployeeID       int64    `validate:"required,gt=0"`
	Type             LoanType `validate:"required,oneof=SSS_SALARY SSS_CALAMITY PAGIBIG_MPL COMPANY CASH_ADVANCE"`
	Reference        string   `validate:"max=64"`
	Principal        decimal.Decimal
	TotalAmount      decimal.Decimal
	MonthlyDeduction decimal.Decimal
	TermMonths       int `validate:"gte=0,lte=360"`
	StartDate        time.Time
}

// CreateLoan stores a new Active loan. A zero total defaults to the principal.
func (s *Service) CreateLoan(ctx context.Context, actor shared.Actor, in LoanInput) (Loan, error) {
	if err := s.validate.Struct(in); err != nil {
		return Loan{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !in.Principal.IsPositive() || !in.MonthlyDeduction.IsPositive() || in.StartDate.IsZero() {
		return Loan{}, fmt.Errorf("%w: principal, monthly deduction and start date required", ErrInvalidInput)
	}
	total := in.TotalAmount
	if total.IsZero() {
		total = in.Principal
	}
	if total.LessThan(in.Principal) {
		return Loan{}, fmt.Errorf("%w: total amount below principal", ErrInvalidInput)
	}
	now := s.now()
	l := Loan{
		EmployeeID:       in.EmployeeID,
		Type:             in.Type,
		Reference:        in.Reference,
		Principal:        shared.Round2(in.Principal),
		TotalAmount:      shared.Round2(total),
		MonthlyDeduction: shared.Round2(in.MonthlyDeduction),
		TermMonths:       in.TermMonths,
		StartDate:        in.StartDate,
		TotalPaid:        decimal.Zero,
		RemainingBalance: shared.Round2(total),
		Status:           StatusActive,
		Metadata:         map[string]any{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var created Loan
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.InsertLoan(ctx, l)
		return err
	})
	if err != nil {
		return Loan{}, err
	}
	s.record(ctx, actor, "loan.create", KindLoan, created.ID, map[string]any{
		"type":  string(created.Type),
		"total": created.TotalAmount.String(),
	})
	return created, nil
}

// ApplyAdjustment applies one adjustment to a period outside payroll computation.
func (s *Service) ApplyAdjustment(ctx context.Context, actor shared.Actor, adjustmentID, periodID int64) (Application, error) {
	var row Application
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.GetPeriodRef(ctx, periodID)
		if err != nil {
			return err
		}
		a, err := tx.GetAdjustmentForUpdate(ctx, adjustmentID)
		if err != nil {
			return err
		}
		if err := checkPostable(ctx, tx, a.EmployeeID, period); err != nil {
			return err
		}
		existing, err := tx.ListPeriodApplications(ctx, a.EmployeeID, periodID)
		if err != nil {
			return err
		}
		for _, app := range existing {
			if app.AdjustmentID == a.ID {
				return ErrAlreadyApplied
			}
		}
		if !a.IsApplicableForPeriod(period, false) {
			return ErrNotApplicable
		}
		row, err = s.applyAdjustment(ctx, tx, &a, period, nil)
		return err
	})
	if err != nil {
		return Application{}, err
	}
	s.record(ctx, actor, "adjustment.apply", KindAdjustment, adjustmentID, map[string]any{
		"period_id":     periodID,
		"amount":        row.Amount.String(),
		"balance_after": row.BalanceAfter.String(),
	})
	return row, nil
}

// ApplyLoan posts one amortisation of a loan to a period outside payroll computation.
func (s *Service) ApplyLoan(ctx context.Context, actor shared.Actor, loanID, periodID int64) (LoanPayment, error) {
	var payment LoanPayment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.GetPeriodRef(ctx, periodID)
		if err != nil {
			return err
		}
		l, err := tx.GetLoanForUpdate(ctx, loanID)
		if err != nil {
			return err
		}
		if err := checkPostable(ctx, tx, l.EmployeeID, period); err != nil {
			return err
		}
		existing, err := tx.ListPeriodLoanPayments(ctx, l.EmployeeID, periodID)
		if err != nil {
			return err
		}
		for _, p := range existing {
			if p.LoanID == l.ID {
				return ErrAlreadyApplied
			}
		}
		if !l.IsApplicableForPeriod(period, false) {
			return ErrNotApplicable
		}
		payment, err = s.payLoan(ctx, tx, &l, &period.ID, nil, l.AmountForPeriod(period), SourcePayroll, "")
		return err
	})
	if err != nil {
		return LoanPayment{}, err
	}
	s.record(ctx, actor, "loan.apply", KindLoan, loanID, map[string]any{
		"period_id":     periodID,
		"amount":        payment.Amount.String(),
		"balance_after": payment.BalanceAfter.String(),
	})
	return payment, nil
}

// checkPostable rejects manual postings once the period stops computing or the
// employee's entry for it is approved.
func checkPostable(ctx context.Context, tx TxRepository, employeeID int64, period PeriodRef) error {
	if !period.Status.AllowsCompute() {
		return fmt.Errorf("%w: period %d is %s", ErrPeriodNotOpen, period.ID, period.Status)
	}
	approved, err := tx.EntryApproved(ctx, employeeID, period.ID)
	if err != nil {
		return err
	}
	if approved {
		return ErrEntryApproved
	}
	return nil
}

// LoanPaymentInput records an over-the-counter loan payment.
type LoanPaymentInput struct {
	LoanID    int64 `validate:"required,gt=0"`
	Amount    decimal.Decimal
	Reference string `validate:"required,max=64"`
}

// RecordLoanPayment posts a manual payment against a loan.
func (s *Service) RecordLoanPayment(ctx context.Context, actor shared.Actor, in LoanPaymentInput) (LoanPayment, error) {
	if err := s.validate.Struct(in); err != nil {
		return LoanPayment{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !in.Amount.IsPositive() {
		return LoanPayment{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	amount := shared.Round2(in.Amount)
	var payment LoanPayment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		l, err := tx.GetLoanForUpdate(ctx, in.LoanID)
		if err != nil {
			return err
		}
		if l.Status == StatusCancelled || l.Status == StatusCompleted {
			return shared.NewTransitionError("loan", l.Status, StatusCompleted)
		}
		if amount.GreaterThan(l.RemainingBalance) {
			return ErrOverpayment
		}
		payment, err = s.payLoan(ctx, tx, &l, nil, nil, amount, SourceManual, in.Reference)
		return err
	})
	if err != nil {
		return LoanPayment{}, err
	}
	s.record(ctx, actor, "loan.payment", KindLoan, in.LoanID, map[string]any{
		"amount":    payment.Amount.String(),
		"reference": in.Reference,
	})
	return payment, nil
}

func (s *Service) applyAdjustment(ctx context.Context, tx TxRepository, a *Adjustment, period PeriodRef, entryID *int64) (Application, error) {
	amount := a.AmountForPeriod()
	row := a.apply(period, entryID, amount, s.now())
	inserted, err := tx.InsertApplication(ctx, row)
	if err != nil {
		return Application{}, err
	}
	updated, err := tx.UpdateAdjustment(ctx, *a)
	if err != nil {
		return Application{}, err
	}
	*a = updated
	return inserted, nil
}

func (s *Service) payLoan(ctx context.Context, tx TxRepository, l *Loan, periodID, entryID *int64, amount decimal.Decimal, source PaymentSource, reference string) (LoanPayment, error) {
	now := s.now()
	before, after := l.pay(amount, now)
	payment, err := tx.InsertLoanPayment(ctx, LoanPayment{
		LoanID:        l.ID,
		PeriodID:      periodID,
		EntryID:       entryID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Source:        source,
		Reference:     reference,
		PaidAt:        now,
	})
	if err != nil {
		return LoanPayment{}, err
	}
	updated, err := tx.UpdateLoan(ctx, *l)
	if err != nil {
		return LoanPayment{}, err
	}
	*l = updated
	return payment, nil
}

// AppliedItem is one adjustment or loan amount posted to a payroll entry.
type AppliedItem struct {
	Kind         ItemKind
	ItemID       int64
	LedgerID     int64
	Category     Category
	Code         string
	Description  string
	Taxable      bool
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Reused       bool
}

// ApplyForEntry applies every due adjustment and loan of an employee to period within
// the caller's transaction. Ledger rows already keyed to the period are returned as-is
// so recomputing an entry never applies an item twice.
func (s *Service) ApplyForEntry(ctx context.Context, tx TxRepository, employeeID int64, period PeriodRef, entryID int64) ([]AppliedItem, error) {
	var items []AppliedItem

	apps, err := tx.ListPeriodApplications(ctx, employeeID, period.ID)
	if err != nil {
		return nil, err
	}
	applied := make(map[int64]Application, len(apps))
	for _, app := range apps {
		applied[app.AdjustmentID] = app
	}
	adjustments, err := tx.ListEmployeeAdjustments(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	for _, a := range adjustments {
		if app, ok := applied[a.ID]; ok {
			items = append(items, adjustmentItem(a, app, true))
			continue
		}
		if !a.IsApplicableForPeriod(period, false) {
			continue
		}
		locked, err := tx.GetAdjustmentForUpdate(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if !locked.IsApplicableForPeriod(period, false) {
			continue
		}
		row, err := s.applyAdjustment(ctx, tx, &locked, period, &entryID)
		if err != nil {
			return nil, fmt.Errorf("adjustment %d: %w", a.ID, err)
		}
		items = append(items, adjustmentItem(locked, row, false))
	}

	payments, err := tx.ListPeriodLoanPayments(ctx, employeeID, period.ID)
	if err != nil {
		return nil, err
	}
	paid := make(map[int64]LoanPayment, len(payments))
	for _, p := range payments {
		paid[p.LoanID] = p
	}
	loans, err := tx.ListEmployeeLoans(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	for _, l := range loans {
		if p, ok := paid[l.ID]; ok {
			items = append(items, loanItem(l, p, true))
			continue
		}
		if !l.IsApplicableForPeriod(period, false) {
			continue
		}
		locked, err := tx.GetLoanForUpdate(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		if !locked.IsApplicableForPeriod(period, false) {
			continue
		}
		payment, err := s.payLoan(ctx, tx, &locked, &period.ID, &entryID, locked.AmountForPeriod(period), SourcePayroll, "")
		if err != nil {
			return nil, fmt.Errorf("loan %d: %w", l.ID, err)
		}
		items = append(items, loanItem(locked, payment, false))
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Kind != items[j].Kind {
			return items[i].Kind < items[j].Kind
		}
		return items[i].ItemID < items[j].ItemID
	})
	return items, nil
}

func adjustmentItem(a Adjustment, app Application, reused bool) AppliedItem {
	return AppliedItem{
		Kind:         KindAdjustment,
		ItemID:       a.ID,
		LedgerID:     app.ID,
		Category:     a.Category,
		Code:         a.TypeCode,
		Description:  a.Description,
		Taxable:      a.Taxable,
		Amount:       app.Amount,
		BalanceAfter: app.BalanceAfter,
		Reused:       reused,
	}
}

func loanItem(l Loan, p LoanPayment, reused bool) AppliedItem {
	return AppliedItem{
		Kind:         KindLoan,
		ItemID:       l.ID,
		LedgerID:     p.ID,
		Category:     CategoryDeduction,
		Code:         string(l.Type),
		Description:  l.Reference,
		Amount:       p.Amount,
		BalanceAfter: p.BalanceAfter,
		Reused:       reused,
	}
}

// ItemRef addresses an adjustment or a loan.
type ItemRef struct {
	Kind ItemKind
	ID   int64
}

// Hold suspends an Active item.
func (s *Service) Hold(ctx context.Context, actor shared.Actor, ref ItemRef, reason string) error {
	return s.transition(ctx, actor, ref, StatusOnHold, map[string]any{"held_at": s.now(), "hold_reason": reason})
}

// Resume reactivates an item on hold.
func (s *Service) Resume(ctx context.Context, actor shared.Actor, ref ItemRef) error {
	return s.transition(ctx, actor, ref, StatusActive, map[string]any{"resumed_at": s.now()})
}

// Cancel terminates an Active item.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, ref ItemRef, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: cancellation reason required", ErrInvalidInput)
	}
	return s.transition(ctx, actor, ref, StatusCancelled, map[string]any{"cancelled_at": s.now(), "cancel_reason": reason})
}

// Complete marks an item finished ahead of balance exhaustion.
func (s *Service) Complete(ctx context.Context, actor shared.Actor, ref ItemRef, reason string) error {
	return s.transition(ctx, actor, ref, StatusCompleted, map[string]any{
		"completed_at":      s.now(),
		"completion_reason": "manual",
		"completion_note":   reason,
	})
}

func (s *Service) transition(ctx context.Context, actor shared.Actor, ref ItemRef, target Status, meta map[string]any) error {
	var from Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		switch ref.Kind {
		case KindAdjustment:
			a, err := tx.GetAdjustmentForUpdate(ctx, ref.ID)
			if err != nil {
				return err
			}
			from = a.Status
			if !a.Status.CanTransitionTo(target) {
				return shared.NewTransitionError("adjustment", a.Status, target)
			}
			a.Status = target
			a.Metadata = withMeta(a.Metadata, meta)
			a.UpdatedAt = s.now()
			_, err = tx.UpdateAdjustment(ctx, a)
			return err
		case KindLoan:
			l, err := tx.GetLoanForUpdate(ctx, ref.ID)
			if err != nil {
				return err
			}
			from = l.Status
			if !l.Status.CanTransitionTo(target) {
				return shared.NewTransitionError("loan", l.Status, target)
			}
			l.Status = target
			l.Metadata = withMeta(l.Metadata, meta)
			l.UpdatedAt = s.now()
			_, err = tx.UpdateLoan(ctx, l)
			return err
		}
		return fmt.Errorf("%w: unknown item kind %q", ErrInvalidInput, ref.Kind)
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor, "ledger.status", ref.Kind, ref.ID, map[string]any{"from": string(from), "to": string(target)})
	return nil
}

// ListAdjustments returns an employee's adjustments.
func (s *Service) ListAdjustments(ctx context.Context, employeeID int64) ([]Adjustment, error) {
	return s.repo.ListAdjustments(ctx, employeeID)
}

// ListLoans returns an employee's loans.
func (s *Service) ListLoans(ctx context.Context, employeeID int64) ([]Loan, error) {
	return s.repo.ListLoans(ctx, employeeID)
}

// AdjustmentHistory returns the ledger rows of an adjustment.
func (s *Service) AdjustmentHistory(ctx context.Context, adjustmentID int64) ([]Application, error) {
	return s.repo.ListApplications(ctx, adjustmentID)
}

// LoanHistory returns the payments of a loan.
func (s *Service) LoanHistory(ctx context.Context, loanID int64) ([]LoanPayment, error) {
	return s.repo.ListLoanPayments(ctx, loanID)
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, kind ItemKind, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entity := "adjustment"
	if kind == KindLoan {
		entity = "loan"
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

// IsInvariantViolation reports errors that must abort the enclosing transaction.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrAlreadyApplied) || errors.Is(err, ErrInvalidStatusTransition) || errors.Is(err, shared.ErrConcurrentUpdate)
}
