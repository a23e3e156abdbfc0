package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-hr/odyssey-payroll/cmd/odyssey/cli"
	"github.com/odyssey-hr/odyssey-payroll/internal/app"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

func runTables(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: odyssey tables seed|import|validate [flags]")
		return 2
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("tables "+sub, flag.ContinueOnError)
	mode := fs.String("mode", "dry", "dry previews, apply stores")
	jsonOut := fs.Bool("json", false, "emit JSON")
	effective := fs.String("effective", "", "effective-from date (YYYY-MM-DD)")
	typ := fs.String("type", "", "contribution type for import (SSS, PAGIBIG, WITHHOLDING_TAX)")
	frequency := fs.String("frequency", "", "pay frequency of a withholding table")
	name := fs.String("name", "", "table name")
	maxComp := fs.String("max-compensation", "", "monthly compensation ceiling")
	file := fs.String("file", "", "CSV bracket schedule")
	asOf := fs.String("as-of", "", "validation date (YYYY-MM-DD)")
	frequencies := fs.String("frequencies", "MONTHLY,SEMI_MONTHLY", "withholding frequencies to check")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *asOf == "" {
		*asOf = time.Now().Format(time.DateOnly)
	}

	services, err := app.NewServices(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		return 1
	}
	defer services.Close(logger)

	tables, err := cli.NewTablesCLI(services.StatutoryRepo, services.Statutory)
	if err != nil {
		logger.Error("init tables cli", slog.Any("error", err))
		return 1
	}

	switch sub {
	case "seed":
		return tables.SeedCommand(ctx, cli.SeedOptions{
			EffectiveFrom: *effective,
			Mode:          cli.TableMode(*mode),
			JSONOutput:    *jsonOut,
		})
	case "import":
		return tables.ImportCommand(ctx, cli.ImportOptions{
			Type:                   *typ,
			Frequency:              *frequency,
			Name:                   *name,
			EffectiveFrom:          *effective,
			MaxMonthlyCompensation: *maxComp,
			Mode:                   cli.TableMode(*mode),
			Source:                 *file,
			JSONOutput:             *jsonOut,
		})
	case "validate":
		return tables.ValidateCommand(ctx, cli.TableValidateOptions{
			AsOf:        *asOf,
			Frequencies: splitList(*frequencies),
			JSONOutput:  *jsonOut,
		})
	}
	fmt.Fprintf(os.Stderr, "unknown tables command %q\n", sub)
	return 2
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: odyssey jobs trigger|stats|archived|requeue [flags]")
		return 2
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("jobs "+sub, flag.ContinueOnError)
	task := fs.String("task", "", "task type to enqueue")
	periodID := fs.Int64("period", 0, "payroll period id")
	userID := fs.Int64("user", 0, "acting user id")
	companyID := fs.Int64("company", 0, "company id")
	queue := fs.String("queue", "", "queue to inspect")
	limit := fs.Int("limit", 20, "archived tasks to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisOptions().AsynqOpt())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer jobsCLI.Close()

	switch sub {
	case "trigger":
		info, err := jobsCLI.Trigger(ctx, *task, cli.TriggerOptions{
			PeriodID: *periodID,
			Actor:    shared.Actor{UserID: *userID, CompanyID: *companyID},
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		stats, err := jobsCLI.InspectQueue(*queue)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return printJSON(stats)
	case "archived":
		tasks, err := jobsCLI.ListArchived(*queue, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return printJSON(tasks)
	case "requeue":
		n, err := jobsCLI.RequeueArchived(*queue)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "requeued %d archived tasks\n", n)
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", sub)
	return 2
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
