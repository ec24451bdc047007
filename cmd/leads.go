package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-pipeline/internal/model"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Inspect leads and the push backlog",
}

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		status, _ := cmd.Flags().GetString("status")
		format, _ := cmd.Flags().GetString("format")

		leads, err := st.LeadsByStatus(ctx, runID, model.LeadStatus(status))
		if err != nil {
			return eris.Wrap(err, "leads list")
		}
		if format != "table" {
			return encode(os.Stdout, leads, format)
		}
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}
		formatLeads(os.Stdout, leads)
		return nil
	},
}

var leadsBacklogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "List validated leads still waiting on a channel",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		channel, _ := cmd.Flags().GetString("channel")
		if channel != string(model.ChannelEmail) && channel != string(model.ChannelNetwork) {
			return eris.Errorf("unknown channel %q", channel)
		}
		leads, err := st.UnpushedLeads(ctx, model.Channel(channel), cfg.Pipeline.MaxPushAttempts)
		if err != nil {
			return eris.Wrap(err, "leads backlog")
		}
		if len(leads) == 0 {
			fmt.Fprintf(os.Stderr, "No %s backlog.\n", channel)
			return nil
		}
		formatLeads(os.Stdout, leads)
		return nil
	},
}

func init() {
	leadsListCmd.Flags().String("run", "", "only leads created by this run")
	leadsListCmd.Flags().String("status", string(model.LeadStatusValidated), "lead status (created, validated, failed)")
	leadsListCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	leadsBacklogCmd.Flags().String("channel", string(model.ChannelNetwork), "push channel (email, network)")

	leadsCmd.AddCommand(leadsListCmd, leadsBacklogCmd)
	rootCmd.AddCommand(leadsCmd)
}

// formatLeads writes a lead table with both channel states to out.
func formatLeads(out io.Writer, leads []model.Lead) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"ID", "Company", "Person", "Email", "Status", "Email push", "Network push", "Attempts"})
	for _, l := range leads {
		tw.AppendRow(table.Row{
			truncateID(l.ID),
			truncate(l.CompanyName, 30),
			l.PersonName,
			l.Email,
			l.Status,
			l.EmailStatus,
			l.NetworkStatus,
			fmt.Sprintf("%d/%d", l.EmailAttempts, l.NetworkAttempts),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(leads)})
	tw.Render()
}
