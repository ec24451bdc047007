package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/monitoring"
	"github.com/sells-group/lead-pipeline/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and summarizing pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
		}
		if since > 0 {
			filter.StartedAfter = time.Now().Add(-since)
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show / latest --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show stages, lead counts and errors of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := monitoring.NewCollector(st, cfg.Pipeline.MaxPushAttempts).RunDetails(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		format, _ := cmd.Flags().GetString("format")
		return writeRunReport(os.Stdout, rep, format)
	},
}

var runsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := monitoring.NewCollector(st, cfg.Pipeline.MaxPushAttempts).Latest(ctx)
		if err != nil {
			return eris.Wrap(err, "runs latest")
		}
		format, _ := cmd.Flags().GetString("format")
		return writeRunReport(os.Stdout, rep, format)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run and lead statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		snap, err := monitoring.NewCollector(st, cfg.Pipeline.MaxPushAttempts).Collect(ctx, since)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		format, _ := cmd.Flags().GetString("format")
		if format != "table" {
			return encode(os.Stdout, snap, format)
		}
		formatSnapshot(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, completed, failed)")
	runsListCmd.Flags().Duration("since", 0, "only runs started within this window (e.g. 24h, 168h)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	for _, c := range []*cobra.Command{runsShowCmd, runsLatestCmd, runsStatsCmd} {
		c.Flags().String("format", "table", "output format (table, json, yaml)")
	}
	runsStatsCmd.Flags().Duration("since", 0, "time window for run stats; 0 covers every run")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsLatestCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// encode writes v as JSON or YAML.
func encode(out io.Writer, v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "encode yaml")
	default:
		return eris.Errorf("unknown format %q", format)
	}
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.Run) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"ID", "Status", "Started", "Duration", "Error"})
	for _, r := range runs {
		dur := ""
		if r.Finished() {
			dur = r.Duration().Round(time.Second).String()
		}
		tw.AppendRow(table.Row{
			truncateID(r.ID),
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			truncate(r.ErrorMessage, 60),
		})
	}
	tw.Render()
}

// writeRunReport renders a run report as tables or encodes it.
func writeRunReport(out io.Writer, rep *monitoring.RunReport, format string) error {
	if format != "table" {
		return encode(out, rep, format)
	}

	r := rep.Run
	_, _ = fmt.Fprintf(out, "Run %s: %s, started %s\n", r.ID, r.Status, r.StartedAt.Format(time.RFC3339))
	if r.ErrorMessage != "" {
		_, _ = fmt.Fprintf(out, "Error: %s\n", r.ErrorMessage)
	}

	stages := table.NewWriter()
	stages.SetOutputMirror(out)
	stages.SetTitle("Stages")
	stages.AppendHeader(table.Row{"Stage", "Input", "Output", "Errors", "Duration"})
	for _, s := range rep.Stages {
		dur := ""
		if s.CompletedAt != nil {
			dur = s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
		}
		stages.AppendRow(table.Row{s.Stage, s.InputCount, s.OutputCount, s.ErrorCount, dur})
	}
	stages.Render()

	statuses := make([]string, 0, len(rep.LeadCounts))
	for s := range rep.LeadCounts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	leads := table.NewWriter()
	leads.SetOutputMirror(out)
	leads.SetTitle("Leads")
	leads.AppendHeader(table.Row{"Status", "Count"})
	for _, s := range statuses {
		leads.AppendRow(table.Row{s, rep.LeadCounts[model.LeadStatus(s)]})
	}
	leads.Render()

	if len(rep.Errors) > 0 {
		errs := table.NewWriter()
		errs.SetOutputMirror(out)
		errs.SetTitle("Errors")
		errs.AppendHeader(table.Row{"Time", "Stage", "Type", "Message"})
		for _, e := range rep.Errors {
			errs.AppendRow(table.Row{e.CreatedAt.Format("15:04:05"), e.Stage, e.ErrorType, truncate(e.Message, 80)})
		}
		errs.Render()
	}
	return nil
}

// formatSnapshot writes aggregate stats to out.
func formatSnapshot(out io.Writer, s *monitoring.Snapshot) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	window := "all time"
	if s.LookbackHours > 0 {
		window = fmt.Sprintf("last %dh", s.LookbackHours)
	}
	tw.SetTitle("Pipeline stats (" + window + ")")
	tw.AppendRows([]table.Row{
		{"Total runs", s.TotalRuns},
		{"Completed", s.Completed},
		{"Failed", s.Failed},
		{"Running", s.Running},
		{"Success rate", fmt.Sprintf("%.1f%%", s.SuccessRate*100)},
		{"Total leads", s.TotalLeads},
		{"Avg leads per run", fmt.Sprintf("%.1f", s.AvgLeadsPerRun)},
		{"Email backlog", s.EmailBacklog},
		{"Network backlog", s.NetworkBacklog},
	})
	if s.LastCompletedAt != nil {
		tw.AppendRow(table.Row{"Last completed", s.LastCompletedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
