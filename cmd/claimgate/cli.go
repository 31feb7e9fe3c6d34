package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ehr/claimgate/internal/config"
	"github.com/ehr/claimgate/internal/domain/adapter"
	"github.com/ehr/claimgate/internal/domain/claim"
	"github.com/ehr/claimgate/internal/domain/rejection"
	"github.com/ehr/claimgate/internal/platform/db"
	"github.com/ehr/claimgate/internal/platform/logging"
	"github.com/ehr/claimgate/internal/platform/metrics"
)

func claimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Inspect claim documents offline",
	}

	var format string
	normalizeCmd := &cobra.Command{
		Use:   "normalize <file>",
		Short: "Print the canonical record for a claim document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := normalizeFile(args[0], format)
			if err != nil {
				return err
			}
			out, err := rec.Canonical()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	normalizeCmd.Flags().StringVar(&format, "format", "", "format tag; detected when empty")
	cmd.AddCommand(normalizeCmd)

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Score a claim document against the validation rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			rules, _, err := loadTables(cfg)
			if err != nil {
				return err
			}
			rec, err := normalizeFile(args[0], format)
			if err != nil {
				return err
			}
			res := newValidator(cfg, rules).Validate(rec)
			renderValidation(cmd.OutOrStdout(), res)
			if !res.Submittable() {
				return fmt.Errorf("claim %s is not submittable", rec.ClaimID)
			}
			return nil
		},
	}
	validateCmd.Flags().StringVar(&format, "format", "", "format tag; detected when empty")
	cmd.AddCommand(validateCmd)

	return cmd
}

func normalizeFile(path, format string) (*claim.ClaimRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return adapter.Default().Normalize(raw, format)
}

func feedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Load payer rejection feeds",
	}

	var format string
	ingestCmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Classify a rejection feed and queue corrections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := feedFormat(args[0], format)
			if err != nil {
				return err
			}
			report, err := ingestFeed(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			renderReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	ingestCmd.Flags().StringVar(&format, "format", "", "csv, jsonl or parquet; taken from the extension when empty")
	cmd.AddCommand(ingestCmd)

	return cmd
}

func feedFormat(path, flag string) (rejection.Format, error) {
	if flag != "" {
		return rejection.ParseFormat(flag)
	}
	return rejection.FormatFromPath(path)
}

func ingestFeed(ctx context.Context, path string, format rejection.Format) (*rejection.IngestReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	_, reasons, err := loadTables(cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	notifier, release, err := openNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer release()

	m := metrics.New()
	queue := rejection.NewQueue(st.rejections,
		rejection.WithAudit(st.audit),
		rejection.WithNotifier(notifier),
		rejection.WithMetrics(m),
		rejection.WithLogger(logger),
	)
	analyzer := rejection.NewAnalyzer(reasons, st.rejections, queue, st.claims,
		rejection.WithAudit(st.audit),
		rejection.WithNotifier(notifier),
		rejection.WithMetrics(m),
		rejection.WithLogger(logger),
	)

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	parsed, err := rejection.Parse(file, format)
	if err != nil {
		return nil, err
	}
	return analyzer.Ingest(ctx, parsed)
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Version", "Name", "Status", "Applied At"})
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		tw.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
	}
	tw.Render()
}

func renderValidation(w io.Writer, res *claim.ValidationResult) {
	fmt.Fprintf(w, "%s generation %d: %s (score %.1f; completeness %.1f, encoding %.1f, business %.1f)\n",
		res.ClaimID, res.Generation, res.Status, res.Score, res.Completeness, res.Encoding, res.Business)
	if len(res.Violations) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Path", "Code", "Severity", "Remediation"})
	for _, v := range res.Violations {
		tw.AppendRow(table.Row{v.Path, v.Code, v.Severity, v.Remediation})
	}
	tw.Render()
}

func renderReport(w io.Writer, r *rejection.IngestReport) {
	fmt.Fprintf(w, "rows %d, inserted %d, updated %d, tasks %d, manual review %d\n",
		r.Rows, r.Inserted, r.Updated, r.TasksCreated, r.ManualReview)

	if len(r.Errors) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Row", "Field", "Error"})
		for _, e := range r.Errors {
			tw.AppendRow(table.Row{e.Row, e.Field, e.Message})
		}
		tw.Render()
	}

	s := r.AtRisk
	if s == nil {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Dimension", "Key", "At Risk"})
	for _, k := range sortedKeys(s.ByBranch) {
		tw.AppendRow(table.Row{"branch", k, s.ByBranch[k].StringFixed(2)})
	}
	for _, k := range sortedKeys(s.ByPayer) {
		tw.AppendRow(table.Row{"payer", k, s.ByPayer[k].StringFixed(2)})
	}
	severities := make([]string, 0, len(s.BySeverity))
	for sev := range s.BySeverity {
		severities = append(severities, string(sev))
	}
	sort.Strings(severities)
	for _, sev := range severities {
		tw.AppendRow(table.Row{"severity", sev, s.BySeverity[claim.Severity(sev)]})
	}
	tw.AppendFooter(table.Row{"total", s.Count, s.Total.StringFixed(2)})
	tw.Render()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
