package statutory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Repository loads tables from storage.
type Repository interface {
	ListActiveTables(ctx context.Context, typ ContributionType) ([]Table, error)
	CreateTable(ctx context.Context, table Table) (int64, error)
	DeactivateTable(ctx context.Context, id int64) error
}

// Service selects tables and runs the calculators.
type Service struct {
	repo   Repository
	cache  *TableCache
	logger *slog.Logger
	group  singleflight.Group
}

// NewService constructs the statutory service. cache may be nil.
func NewService(repo Repository, cache *TableCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger}
}

// CalculateContribution computes one contribution as of a date. A missing table yields a
// zero result with Found=false.
func (s *Service) CalculateContribution(ctx context.Context, typ ContributionType, compensation decimal.Decimal, asOf time.Time, freq PayFrequency) (Result, error) {
	if !typ.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	tables, err := s.tables(ctx, typ)
	if err != nil {
		return Result{}, err
	}
	snap := newSnapshot(map[ContributionType][]Table{typ: tables})
	return snap.Calculate(typ, compensation, asOf, freq)
}

// CreateTable validates and stores a new table, then drops cached copies of its type.
func (s *Service) CreateTable(ctx context.Context, table Table) (int64, error) {
	if err := table.Validate(); err != nil {
		return 0, err
	}
	table.IsActive = true
	id, err := s.repo.CreateTable(ctx, table)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, table.Type)
	return id, nil
}

// DeactivateTable retires a table.
func (s *Service) DeactivateTable(ctx context.Context, typ ContributionType, id int64) error {
	if err := s.repo.DeactivateTable(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, typ)
	return nil
}

// Snapshot loads every contribution type once so a payroll run uses a consistent view.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	all := make(map[ContributionType][]Table, len(ContributionTypes))
	for _, typ := range ContributionTypes {
		tables, err := s.tables(ctx, typ)
		if err != nil {
			return nil, err
		}
		all[typ] = tables
	}
	return newSnapshot(all), nil
}

func (s *Service) tables(ctx context.Context, typ ContributionType) ([]Table, error) {
	v, err, _ := s.group.Do(string(typ), func() (any, error) {
		load := func(ctx context.Context) ([]Table, error) {
			return s.repo.ListActiveTables(ctx, typ)
		}
		if s.cache == nil {
			return load(ctx)
		}
		return s.cache.Fetch(ctx, typ, load)
	})
	if err != nil {
		return nil, fmt.Errorf("load %s tables: %w", typ, err)
	}
	return v.([]Table), nil
}

func (s *Service) invalidate(ctx context.Context, typ ContributionType) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, typ); err != nil {
		s.logger.Warn("statutory cache invalidate failed", slog.String("type", string(typ)), slog.Any("error", err))
	}
}

// Snapshot is an immutable set of tables for one run.
type Snapshot struct {
	tables map[ContributionType][]Table
}

// NewSnapshot builds a snapshot from tables already in memory.
func NewSnapshot(tables []Table) *Snapshot {
	grouped := make(map[ContributionType][]Table)
	for _, t := range tables {
		grouped[t.Type] = append(grouped[t.Type], t)
	}
	return newSnapshot(grouped)
}

func newSnapshot(tables map[ContributionType][]Table) *Snapshot {
	return &Snapshot{tables: tables}
}

// Calculate selects the effective table and applies it. The selected table is validated
// so a malformed schedule surfaces as ErrInvalidBracketTable rather than a silent zero.
func (s *Snapshot) Calculate(typ ContributionType, compensation decimal.Decimal, asOf time.Time, freq PayFrequency) (Result, error) {
	table, ok := SelectTable(s.tables[typ], typ, freq, asOf)
	if !ok {
		return zeroResult(typ), nil
	}
	table.Brackets = append([]Bracket(nil), table.Brackets...)
	if err := table.Validate(); err != nil {
		return Result{}, fmt.Errorf("table %d: %w", table.ID, err)
	}
	return Calculate(table, compensation)
}

// Require is Calculate but reports a missing table as ErrTableNotFound and a basis no
// bracket covers as ErrNoBracket.
func (s *Snapshot) Require(typ ContributionType, compensation decimal.Decimal, asOf time.Time, freq PayFrequency) (Result, error) {
	if _, ok := SelectTable(s.tables[typ], typ, freq, asOf); !ok {
		return Result{}, fmt.Errorf("%w: %s as of %s", ErrTableNotFound, typ, asOf.Format(time.DateOnly))
	}
	res, err := s.Calculate(typ, compensation, asOf, freq)
	if err != nil {
		return Result{}, err
	}
	if !res.Found {
		return Result{}, fmt.Errorf("%w: %s table %d, basis %s", ErrNoBracket, typ, res.TableID, compensation.StringFixed(2))
	}
	return res, nil
}

// IsConfigurationError reports whether err stems from missing, malformed or incomplete
// tables.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidBracketTable) || errors.Is(err, ErrTableNotFound) || errors.Is(err, ErrNoBracket)
}
