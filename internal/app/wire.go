package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-hr/odyssey-payroll/internal/attendance"
	"github.com/odyssey-hr/odyssey-payroll/internal/ledger"
	"github.com/odyssey-hr/odyssey-payroll/internal/payroll"
	"github.com/odyssey-hr/odyssey-payroll/internal/periods"
	"github.com/odyssey-hr/odyssey-payroll/internal/platform/cache"
	"github.com/odyssey-hr/odyssey-payroll/internal/platform/db"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
	"github.com/odyssey-hr/odyssey-payroll/internal/statutory"
)

// Services holds the domain services shared by the API server, the worker and the CLI.
type Services struct {
	Pool          *pgxpool.Pool
	Redis         *redis.Client
	Audit         *shared.AuditLogger
	Approvals     *shared.ApprovalRecorder
	Idempotency   *shared.IdempotencyStore
	Attendance    *attendance.Service
	Periods       *periods.Service
	Ledger        *ledger.Service
	StatutoryRepo statutory.Repository
	Statutory     *statutory.Service
	Payroll       *payroll.Service
}

// NewServices connects Postgres and Redis and builds every service. registerer receives
// the payroll collectors; nil uses the default Prometheus registerer.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Services, error) {
	pool, err := db.New(ctx, cfg.DatabaseOptions())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s := &Services{
		Pool:        pool,
		Redis:       redisClient,
		Audit:       shared.NewAuditLogger(pool, logger),
		Approvals:   shared.NewApprovalRecorder(pool, logger),
		Idempotency: shared.NewIdempotencyStore(pool),
	}
	s.Attendance = attendance.NewService(attendance.NewRepository(pool), attendance.NewCalendarRepository(pool), s.Audit)
	s.Periods = periods.NewService(periods.NewRepository(pool), s.Audit)
	s.Ledger = ledger.NewService(ledger.NewRepository(pool), s.Audit, logger)
	s.StatutoryRepo = statutory.NewRepository(pool)
	s.Statutory = statutory.NewService(s.StatutoryRepo, statutory.NewTableCache(redisClient, cfg.BracketCacheTTL), logger)
	s.Payroll = payroll.NewService(payroll.NewRepository(pool), payroll.Ports{
		Periods:    s.Periods,
		Employees:  payroll.NewEmployeeRepository(pool),
		Attendance: s.Attendance,
		Tables:     s.Statutory,
		Ledger:     s.Ledger,
		Locker:     shared.NewLocker(redisClient, cfg.PayrollLockTTL),
		Audit:      s.Audit,
		Approvals:  s.Approvals,
		Metrics:    payroll.NewMetrics(registerer),
		Logger:     logger,
	}, payroll.ServiceConfig{
		Concurrency: cfg.PayrollComputeConcurrency,
		Policy: payroll.Policy{
			StandardDaysPerMonth: cfg.StandardDaysPerMonth(),
			HoursPerDay:          cfg.HoursPerDay(),
		},
	})
	return s, nil
}

// Close releases the Redis client and the connection pool.
func (s *Services) Close(logger *slog.Logger) {
	if s == nil {
		return
	}
	if err := s.Redis.Close(); err != nil && logger != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
	s.Pool.Close()
}
