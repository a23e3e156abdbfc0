package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"github.com/odyssey-hr/odyssey-payroll/internal/statutory"
)

// TableMode enumerates supported execution strategies.
type TableMode string

const (
	// TableModeDry validates and previews tables without storing them.
	TableModeDry TableMode = "dry"
	// TableModeApply stores the tables.
	TableModeApply TableMode = "apply"
)

const (
	exitOK   = 0
	exitFail = 1
	exitGaps = 10
)

type tableLister interface {
	ListActiveTables(ctx context.Context, typ statutory.ContributionType) ([]statutory.Table, error)
}

type tableCreator interface {
	CreateTable(ctx context.Context, table statutory.Table) (int64, error)
}

// TablesCLI seeds, imports and checks statutory bracket tables.
type TablesCLI struct {
	lister  tableLister
	creator tableCreator
}

// NewTablesCLI constructs the helper. creator is usually the statutory service so the
// table cache is invalidated on insert.
func NewTablesCLI(lister tableLister, creator tableCreator) (*TablesCLI, error) {
	if lister == nil || creator == nil {
		return nil, errors.New("tables cli: repository not configured")
	}
	return &TablesCLI{lister: lister, creator: creator}, nil
}

// TableSummary describes one table in command output.
type TableSummary struct {
	ID            int64  `json:"id,omitempty"`
	Type          string `json:"type"`
	Frequency     string `json:"frequency,omitempty"`
	Name          string `json:"name"`
	EffectiveFrom string `json:"effective_from"`
	Brackets      int    `json:"brackets"`
}

// TableWriteSummary is the JSON response of seed and import.
type TableWriteSummary struct {
	Mode   TableMode      `json:"mode"`
	Tables []TableSummary `json:"tables"`
}

// SeedOptions configures the seed command.
type SeedOptions struct {
	EffectiveFrom string
	Mode          TableMode
	JSONOutput    bool
	Stdout        io.Writer
	Stderr        io.Writer
}

// SeedCommand stores the built-in contribution and tax schedules effective from the
// given date.
func (c *TablesCLI) SeedCommand(ctx context.Context, opts SeedOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	mode, ok := parseMode(opts.Mode, stderr, "tables seed")
	if !ok {
		return exitFail
	}
	effective, err := time.Parse(time.DateOnly, strings.TrimSpace(opts.EffectiveFrom))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "tables seed: invalid --effective %q (expected YYYY-MM-DD)\n", opts.EffectiveFrom)
		return exitFail
	}
	tables := statutory.DefaultTables(effective)
	return c.write(ctx, "tables seed", tables, mode, opts.JSONOutput, stdout, stderr)
}

// ImportOptions configures the import command.
type ImportOptions struct {
	Type                   string
	Frequency              string
	Name                   string
	EffectiveFrom          string
	MaxMonthlyCompensation string
	Mode                   TableMode
	Source                 string
	SourceReader           io.Reader
	JSONOutput             bool
	Stdout                 io.Writer
	Stderr                 io.Writer
}

// bracketRow is one CSV line of a bracket schedule. Blank cells read as zero and a
// blank max_compensation marks the open-ended last bracket.
type bracketRow struct {
	Min          string `csv:"min_compensation"`
	Max          string `csv:"max_compensation"`
	SalaryCredit string `csv:"salary_credit"`
	EmployeeRate string `csv:"employee_rate"`
	EmployerRate string `csv:"employer_rate"`
	ECAmount     string `csv:"ec_amount"`
	BaseTax      string `csv:"base_tax"`
	ExcessRate   string `csv:"excess_rate"`
}

// ImportCommand reads a bracket schedule from CSV and stores it as a new table.
func (c *TablesCLI) ImportCommand(ctx context.Context, opts ImportOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	mode, ok := parseMode(opts.Mode, stderr, "tables import")
	if !ok {
		return exitFail
	}
	typ := statutory.ContributionType(strings.ToUpper(strings.TrimSpace(opts.Type)))
	if !typ.Valid() {
		_, _ = fmt.Fprintf(stderr, "tables import: unknown --type %q\n", opts.Type)
		return exitFail
	}
	if typ == statutory.TypePhilHealth {
		_, _ = fmt.Fprintln(stderr, "tables import: philhealth has no brackets, use tables seed")
		return exitFail
	}
	effective, err := time.Parse(time.DateOnly, strings.TrimSpace(opts.EffectiveFrom))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "tables import: invalid --effective %q (expected YYYY-MM-DD)\n", opts.EffectiveFrom)
		return exitFail
	}
	table := statutory.Table{
		Type:          typ,
		Frequency:     statutory.PayFrequency(strings.ToUpper(strings.TrimSpace(opts.Frequency))),
		Name:          strings.TrimSpace(opts.Name),
		EffectiveFrom: effective,
		IsActive:      true,
	}
	if table.Name == "" {
		table.Name = fmt.Sprintf("%s %s", typ, effective.Format(time.DateOnly))
	}
	if opts.MaxMonthlyCompensation != "" {
		if table.MaxMonthlyCompensation, err = decimal.NewFromString(opts.MaxMonthlyCompensation); err != nil {
			_, _ = fmt.Fprintf(stderr, "tables import: invalid --max-compensation %q\n", opts.MaxMonthlyCompensation)
			return exitFail
		}
	}

	reader := opts.SourceReader
	if reader == nil {
		if opts.Source == "" {
			_, _ = fmt.Fprintln(stderr, "tables import: --file is required")
			return exitFail
		}
		f, err := os.Open(opts.Source)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "tables import: %v\n", err)
			return exitFail
		}
		defer f.Close()
		reader = f
	}
	brackets, err := readBrackets(reader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "tables import: %v\n", err)
		return exitFail
	}
	table.Brackets = brackets
	return c.write(ctx, "tables import", []statutory.Table{table}, mode, opts.JSONOutput, stdout, stderr)
}

func readBrackets(r io.Reader) ([]statutory.Bracket, error) {
	var rows []bracketRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	brackets := make([]statutory.Bracket, 0, len(rows))
	for i, row := range rows {
		var b statutory.Bracket
		fields := []struct {
			raw string
			dst *decimal.Decimal
		}{
			{row.Min, &b.MinCompensation},
			{row.SalaryCredit, &b.SalaryCredit},
			{row.EmployeeRate, &b.EmployeeRate},
			{row.EmployerRate, &b.EmployerRate},
			{row.ECAmount, &b.ECAmount},
			{row.BaseTax, &b.BaseTax},
			{row.ExcessRate, &b.ExcessRate},
		}
		for _, f := range fields {
			v, err := parseAmount(f.raw)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+2, err)
			}
			*f.dst = v
		}
		if strings.TrimSpace(row.Max) != "" {
			v, err := parseAmount(row.Max)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+2, err)
			}
			b.MaxCompensation = decimal.NewNullDecimal(v)
		}
		brackets = append(brackets, b)
	}
	return brackets, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func (c *TablesCLI) write(ctx context.Context, cmd string, tables []statutory.Table, mode TableMode, jsonOut bool, stdout, stderr io.Writer) int {
	summary := TableWriteSummary{Mode: mode, Tables: make([]TableSummary, 0, len(tables))}
	for i := range tables {
		if err := tables[i].Validate(); err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: %s: %v\n", cmd, tables[i].Name, err)
			return exitFail
		}
	}
	for _, t := range tables {
		if mode == TableModeApply {
			id, err := c.creator.CreateTable(ctx, t)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "%s: store %s: %v\n", cmd, t.Name, err)
				return exitFail
			}
			t.ID = id
		}
		summary.Tables = append(summary.Tables, summarize(t))
	}
	if jsonOut {
		if err := json.NewEncoder(stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: encode json: %v\n", cmd, err)
			return exitFail
		}
		return exitOK
	}
	verb := "would store"
	if mode == TableModeApply {
		verb = "stored"
	}
	for _, t := range summary.Tables {
		_, _ = fmt.Fprintf(stdout, "%s %s %s (%s, effective %s, %d brackets)\n", verb, t.Type, t.Name, frequencyLabel(t.Frequency), t.EffectiveFrom, t.Brackets)
	}
	return exitOK
}

// TableValidateOptions configures the validate command.
type TableValidateOptions struct {
	AsOf        string
	Frequencies []string
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// TableValidateSummary is the JSON response of validate.
type TableValidateSummary struct {
	OK        bool           `json:"ok"`
	AsOf      string         `json:"as_of"`
	Effective []TableSummary `json:"effective"`
	Gaps      []TableGap     `json:"gaps"`
}

// TableGap is a contribution type without a usable table.
type TableGap struct {
	Type      string `json:"type"`
	Frequency string `json:"frequency,omitempty"`
	Reason    string `json:"reason"`
}

// ValidateCommand reports which table each contribution type resolves to as of a date.
// It exits 10 when a type has no table or the selected one is malformed.
func (c *TablesCLI) ValidateCommand(ctx context.Context, opts TableValidateOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	asOf, err := time.Parse(time.DateOnly, strings.TrimSpace(opts.AsOf))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "tables validate: invalid --as-of %q (expected YYYY-MM-DD)\n", opts.AsOf)
		return exitFail
	}
	freqs := opts.Frequencies
	if len(freqs) == 0 {
		freqs = []string{string(statutory.FrequencySemiMonthly), string(statutory.FrequencyMonthly)}
	}

	summary := TableValidateSummary{AsOf: asOf.Format(time.DateOnly), Effective: []TableSummary{}, Gaps: []TableGap{}}
	for _, typ := range statutory.ContributionTypes {
		tables, err := c.lister.ListActiveTables(ctx, typ)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "tables validate: list %s: %v\n", typ, err)
			return exitFail
		}
		checks := []statutory.PayFrequency{""}
		if typ == statutory.TypeWithholdingTax {
			checks = checks[:0]
			for _, f := range freqs {
				checks = append(checks, statutory.PayFrequency(strings.ToUpper(strings.TrimSpace(f))))
			}
		}
		for _, freq := range checks {
			table, ok := statutory.SelectTable(tables, typ, freq, asOf)
			if !ok {
				summary.Gaps = append(summary.Gaps, TableGap{Type: string(typ), Frequency: string(freq), Reason: "no active table"})
				continue
			}
			if err := table.Validate(); err != nil {
				summary.Gaps = append(summary.Gaps, TableGap{Type: string(typ), Frequency: string(freq), Reason: err.Error()})
				continue
			}
			summary.Effective = append(summary.Effective, summarize(table))
		}
	}
	sort.Slice(summary.Gaps, func(i, j int) bool {
		if summary.Gaps[i].Type == summary.Gaps[j].Type {
			return summary.Gaps[i].Frequency < summary.Gaps[j].Frequency
		}
		return summary.Gaps[i].Type < summary.Gaps[j].Type
	})
	summary.OK = len(summary.Gaps) == 0

	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(stderr, "tables validate: encode json: %v\n", err)
			return exitFail
		}
	} else {
		renderValidateHuman(stdout, summary)
	}
	if !summary.OK {
		return exitGaps
	}
	return exitOK
}

func renderValidateHuman(out io.Writer, summary TableValidateSummary) {
	_, _ = fmt.Fprintf(out, "Statutory tables as of %s\n", summary.AsOf)
	for _, t := range summary.Effective {
		_, _ = fmt.Fprintf(out, " - %s %s: %s (effective %s)\n", t.Type, frequencyLabel(t.Frequency), t.Name, t.EffectiveFrom)
	}
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All contribution types resolve to a valid table.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d gap(s) detected:\n", len(summary.Gaps))
	for _, gap := range summary.Gaps {
		_, _ = fmt.Fprintf(out, " - %s %s: %s\n", gap.Type, frequencyLabel(gap.Frequency), gap.Reason)
	}
}

func summarize(t statutory.Table) TableSummary {
	return TableSummary{
		ID:            t.ID,
		Type:          string(t.Type),
		Frequency:     string(t.Frequency),
		Name:          t.Name,
		EffectiveFrom: t.EffectiveFrom.Format(time.DateOnly),
		Brackets:      len(t.Brackets),
	}
}

func frequencyLabel(f string) string {
	if f == "" {
		return "any frequency"
	}
	return f
}

func parseMode(mode TableMode, stderr io.Writer, cmd string) (TableMode, bool) {
	if mode == "" {
		return TableModeDry, true
	}
	m := TableMode(strings.ToLower(string(mode)))
	switch m {
	case TableModeDry, TableModeApply:
		return m, true
	}
	_, _ = fmt.Fprintf(stderr, "%s: invalid mode %q (expected dry or apply)\n", cmd, mode)
	return "", false
}

func streams(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
