// Package ledgertest provides an in-memory ledger store for tests.
package ledgertest

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

type state struct {
	periods      map[int64]ledger.PeriodRef
	approved     map[[2]int64]bool
	adjustments  map[int64]ledger.Adjustment
	applications []ledger.Application
	loans        map[int64]ledger.Loan
	payments     []ledger.LoanPayment
	nextID       int64
}

func (s state) clone() state {
	out := state{
		periods:      make(map[int64]ledger.PeriodRef, len(s.periods)),
		approved:     make(map[[2]int64]bool, len(s.approved)),
		adjustments:  make(map[int64]ledger.Adjustment, len(s.adjustments)),
		applications: append([]ledger.Application(nil), s.applications...),
		loans:        make(map[int64]ledger.Loan, len(s.loans)),
		payments:     append([]ledger.LoanPayment(nil), s.payments...),
		nextID:       s.nextID,
	}
	for k, v := range s.periods {
		out.periods[k] = v
	}
	for k, v := range s.approved {
		out.approved[k] = v
	}
	for k, v := range s.adjustments {
		out.adjustments[k] = v
	}
	for k, v := range s.loans {
		out.loans[k] = v
	}
	return out
}

// Store implements ledger.Repository in memory. Transactions are serialised.
type Store struct {
	mu sync.Mutex
	st state
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{st: state{
		periods:     map[int64]ledger.PeriodRef{},
		approved:    map[[2]int64]bool{},
		adjustments: map[int64]ledger.Adjustment{},
		loans:       map[int64]ledger.Loan{},
		nextID:      100,
	}}
}

// AddPeriod registers a period the store can resolve. A period without status is Open.
func (s *Store) AddPeriod(p ledger.PeriodRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = periods.StatusOpen
	}
	s.st.periods[p.ID] = p
}

// SetPeriodStatus changes the status of a registered period.
func (s *Store) SetPeriodStatus(id int64, status periods.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.st.periods[id]
	p.Status = status
	s.st.periods[id] = p
}

// ApproveEntry marks the employee's payroll entry for the period as approved.
func (s *Store) ApproveEntry(employeeID, periodID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.approved[[2]int64{employeeID, periodID}] = true
}

// Adjustment returns the stored adjustment.
func (s *Store) Adjustment(id int64) ledger.Adjustment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.adjustments[id]
}

// Loan returns the stored loan.
func (s *Store) Loan(id int64) ledger.Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.loans[id]
}

// Applications returns every adjustment ledger row.
func (s *Store) Applications() []ledger.Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Application(nil), s.st.applications...)
}

// Payments returns every loan ledger row.
func (s *Store) Payments() []ledger.LoanPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.LoanPayment(nil), s.st.payments...)
}

// Tamper mutates a stored adjustment without going through the ledger.
func (s *Store) Tamper(id int64, fn func(*ledger.Adjustment)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.st.adjustments[id]
	fn(&a)
	s.st.adjustments[id] = a
}

// Tx is an open in-memory transaction.
type Tx struct {
	store    *Store
	snapshot state
	done     bool
}

// Begin opens a transaction, blocking other transactions until it ends.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	return &Tx{store: s, snapshot: s.st.clone()}
}

// Commit keeps the changes.
func (t *Tx) Commit() {
	if t.done {
		return
	}
	t.done = true
	t.store.mu.Unlock()
}

// Rollback discards the changes.
func (t *Tx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.store.st = t.snapshot
	t.store.mu.Unlock()
}

func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	tx := s.Begin()
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return nil
}

func (s *Store) ListAdjustments(ctx context.Context, employeeID int64) ([]ledger.Adjustment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.employeeAdjustments(employeeID), nil
}

func (s *Store) ListLoans(ctx context.Context, employeeID int64) ([]ledger.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.employeeLoans(employeeID), nil
}

func (s *Store) ListApplications(ctx context.Context, adjustmentID int64) ([]ledger.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Application
	for _, a := range s.st.applications {
		if a.AdjustmentID == adjustmentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) ListLoanPayments(ctx context.Context, loanID int64) ([]ledger.LoanPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.LoanPayment
	for _, p := range s.st.payments {
		if p.LoanID == loanID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) ListBalances(ctx context.Context) ([]ledger.BalanceCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.BalanceCheck
	for _, a := range s.st.adjustments {
		b := ledger.BalanceCheck{Kind: ledger.KindAdjustment, ID: a.ID, Tracked: a.HasBalanceTracking,
			TotalAmount: a.TotalAmount, TotalApplied: a.TotalApplied, Remaining: a.RemainingBalance, LedgerSum: decimal.Zero}
		for _, x := range s.st.applications {
			if x.AdjustmentID == a.ID {
				b.LedgerSum = b.LedgerSum.Add(x.Amount)
				b.LedgerCount++
			}
		}
		out = append(out, b)
	}
	for _, l := range s.st.loans {
		b := ledger.BalanceCheck{Kind: ledger.KindLoan, ID: l.ID, Tracked: true,
			TotalAmount: l.TotalAmount, TotalApplied: l.TotalPaid, Remaining: l.RemainingBalance, LedgerSum: decimal.Zero}
		for _, p := range s.st.payments {
			if p.LoanID == l.ID {
				b.LedgerSum = b.LedgerSum.Add(p.Amount)
				b.LedgerCount++
			}
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) employeeAdjustments(employeeID int64) []ledger.Adjustment {
	var out []ledger.Adjustment
	for _, a := range st.adjustments {
		if a.EmployeeID == employeeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *state) employeeLoans(employeeID int64) []ledger.Loan {
	var out []ledger.Loan
	for _, l := range st.loans {
		if l.EmployeeID == employeeID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tx) EntryApproved(ctx context.Context, employeeID, periodID int64) (bool, error) {
	return t.store.st.approved[[2]int64{employeeID, periodID}], nil
}

func (t *Tx) GetPeriodRef(ctx context.Context, periodID int64) (ledger.PeriodRef, error) {
	p, ok := t.store.st.periods[periodID]
	if !ok {
		return ledger.PeriodRef{}, ledger.ErrPeriodNotFound
	}
	return p, nil
}

func (t *Tx) InsertAdjustment(ctx context.Context, a ledger.Adjustment) (ledger.Adjustment, error) {
	t.store.st.nextID++
	a.ID = t.store.st.nextID
	a.Version = 1
	t.store.st.adjustments[a.ID] = a
	return a, nil
}

func (t *Tx) GetAdjustmentForUpdate(ctx context.Context, id int64) (ledger.Adjustment, error) {
	a, ok := t.store.st.adjustments[id]
	if !ok {
		return ledger.Adjustment{}, ledger.ErrAdjustmentNotFound
	}
	return a, nil
}

func (t *Tx) UpdateAdjustment(ctx context.Context, a ledger.Adjustment) (ledger.Adjustment, error) {
	current, ok := t.store.st.adjustments[a.ID]
	if !ok || current.Version != a.Version {
		return ledger.Adjustment{}, shared.ErrConcurrentUpdate
	}
	a.Version++
	t.store.st.adjustments[a.ID] = a
	return a, nil
}

func (t *Tx) ListEmployeeAdjustments(ctx context.Context, employeeID int64) ([]ledger.Adjustment, error) {
	return t.store.st.employeeAdjustments(employeeID), nil
}

func (t *Tx) InsertApplication(ctx context.Context, row ledger.Application) (ledger.Application, error) {
	for _, x := range t.store.st.applications {
		if x.AdjustmentID == row.AdjustmentID && x.PeriodID == row.PeriodID {
			return ledger.Application{}, ledger.ErrAlreadyApplied
		}
	}
	t.store.st.nextID++
	row.ID = t.store.st.nextID
	t.store.st.applications = append(t.store.st.applications, row)
	return row, nil
}

func (t *Tx) ListPeriodApplications(ctx context.Context, employeeID, periodID int64) ([]ledger.Application, error) {
	var out []ledger.Application
	for _, x := range t.store.st.applications {
		if x.PeriodID == periodID && t.store.st.adjustments[x.AdjustmentID].EmployeeID == employeeID {
			out = append(out, x)
		}
	}
	return out, nil
}

func (t *Tx) InsertLoan(ctx context.Context, l ledger.Loan) (ledger.Loan, error) {
	t.store.st.nextID++
	l.ID = t.store.st.nextID
	l.Version = 1
	t.store.st.loans[l.ID] = l
	return l, nil
}

func (t *Tx) GetLoanForUpdate(ctx context.Context, id int64) (ledger.Loan, error) {
	l, ok := t.store.st.loans[id]
	if !ok {
		return ledger.Loan{}, ledger.ErrLoanNotFound
	}
	return l, nil
}

func (t *Tx) UpdateLoan(ctx context.Context, l ledger.Loan) (ledger.Loan, error) {
	current, ok := t.store.st.loans[l.ID]
	if !ok || current.Version != l.Version {
		return ledger.Loan{}, shared.ErrConcurrentUpdate
	}
	l.Version++
	t.store.st.loans[l.ID] = l
	return l, nil
}

func (t *Tx) ListEmployeeLoans(ctx context.Context, employeeID int64) ([]ledger.Loan, error) {
	return t.store.st.employeeLoans(employeeID), nil
}

func (t *Tx) InsertLoanPayment(ctx context.Context, p ledger.LoanPayment) (ledger.LoanPayment, error) {
	if p.PeriodID != nil {
		for _, x := range t.store.st.payments {
			if x.LoanID == p.LoanID && x.PeriodID != nil && *x.PeriodID == *p.PeriodID {
				return ledger.LoanPayment{}, ledger.ErrAlreadyApplied
			}
		}
	}
	t.store.st.nextID++
	p.ID = t.store.st.nextID
	t.store.st.payments = append(t.store.st.payments, p)
	return p, nil
}

func (t *Tx) ListPeriodLoanPayments(ctx context.Context, employeeID, periodID int64) ([]ledger.LoanPayment, error) {
	var out []ledger.LoanPayment
	for _, p := range t.store.st.payments {
		if p.PeriodID != nil && *p.PeriodID == periodID && t.store.st.loans[p.LoanID].EmployeeID == employeeID {
			out = append(out, p)
		}
	}
	return out, nil
}
