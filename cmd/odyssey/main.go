package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-hr/odyssey-payroll/internal/app"
	"github.com/odyssey-hr/odyssey-payroll/internal/observability"
	"github.com/odyssey-hr/odyssey-payroll/internal/payroll"
	payrollhttp "github.com/odyssey-hr/odyssey-payroll/internal/payroll/http"
	"github.com/odyssey-hr/odyssey-payroll/jobs"
)

const usage = `usage: odyssey [command]

commands:
  serve                          run the payroll HTTP API (default)
  tables seed|import|validate    manage statutory bracket tables
  jobs trigger|stats|archived|requeue
                                 enqueue, inspect or requeue background jobs
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	command, args := "serve", os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, command, args)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, command string, args []string) int {
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Fprint(os.Stdout, usage)
		return 0
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg)

	switch command {
	case "serve":
		return serve(ctx, cfg, logger)
	case "tables":
		return runTables(ctx, cfg, logger, args)
	case "jobs":
		return runJobs(ctx, cfg, args)
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
	return 2
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	metrics := observability.NewMetrics()

	services, err := app.NewServices(ctx, cfg, logger, metrics.Registerer())
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		return 1
	}
	defer services.Close(logger)

	redisOpts := cfg.RedisOptions().AsynqOpt()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	payrollHandler := payrollhttp.NewHandler(logger, payrollhttp.Services{
		Payroll:       services.Payroll,
		Periods:       services.Periods,
		Ledger:        services.Ledger,
		Contributions: services.Statutory,
		Attendance:    services.Attendance,
		Jobs:          jobClient,
		Idempotency:   services.Idempotency,
		Approvals:     services.Approvals,
		PDF:           &payroll.PDFRenderer{Endpoint: cfg.GotenbergURL, Client: &http.Client{Timeout: 30 * time.Second}},
	})

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		PayrollHandler: payrollHandler,
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		Database:       services.Pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server", slog.Any("error", err))
		code = 1
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return code
}
