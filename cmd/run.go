package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/campaign"
	"github.com/sells-group/lead-pipeline/internal/classify"
	"github.com/sells-group/lead-pipeline/internal/enrich"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/search"
	"github.com/sells-group/lead-pipeline/internal/source"
	"github.com/sells-group/lead-pipeline/pkg/apify"
	"github.com/sells-group/lead-pipeline/pkg/exa"
	"github.com/sells-group/lead-pipeline/pkg/icypeas"
	"github.com/sells-group/lead-pipeline/pkg/instantly"
	"github.com/sells-group/lead-pipeline/pkg/prosp"
)

var (
	runTest   bool
	runFormat string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lead pipeline once",
	Long: "Runs acquire, filter, search, enrich, validate and push in order, then retries " +
		"leads left unpushed by earlier runs. Exits non-zero when the run fails.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p := pipeline.New(cfg, st, buildDeps())

		result, err := p.Run(ctx, pipeline.RunOptions{TestMode: runTest})
		if result == nil {
			return eris.Wrap(err, "pipeline run")
		}

		if runFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return eris.Wrap(encErr, "encode result")
			}
		} else {
			printRunResult(os.Stdout, result)
		}

		if err != nil {
			return eris.Wrapf(err, "run %s failed", result.RunID)
		}
		zap.L().Info("pipeline run complete",
			zap.String("run_id", result.RunID),
			zap.Int("email_pushed", result.EmailPushed),
			zap.Int("network_pushed", result.NetworkPushed),
		)
		return nil
	},
}

// buildDeps wires the vendor clients behind the pipeline's ports.
func buildDeps() pipeline.Deps {
	apifyClient := apify.NewClient(cfg.Apify.Key,
		apify.WithBaseURL(cfg.Apify.BaseURL),
		apify.WithHTTPClient(httpClient(cfg.Apify.TimeoutSecs)),
	)
	exaClient := exa.NewClient(cfg.Search.Key,
		exa.WithBaseURL(cfg.Search.BaseURL),
		exa.WithHTTPClient(httpClient(cfg.Search.TimeoutSecs)),
	)
	icypeasClient := icypeas.NewClient(cfg.Icypeas.Key,
		icypeas.WithBaseURL(cfg.Icypeas.BaseURL),
		icypeas.WithHTTPClient(httpClient(cfg.Icypeas.TimeoutSecs)),
	)
	instantlyClient := instantly.NewClient(cfg.Instantly.Key,
		instantly.WithBaseURL(cfg.Instantly.BaseURL),
		instantly.WithHTTPClient(httpClient(cfg.Instantly.TimeoutSecs)),
	)
	prospClient := prosp.NewClient(cfg.Prosp.Key,
		prosp.WithBaseURL(cfg.Prosp.BaseURL),
		prosp.WithHTTPClient(httpClient(cfg.Prosp.TimeoutSecs)),
	)

	return pipeline.Deps{
		Source:     source.NewApify(apifyClient, cfg.Apify),
		Classifier: classify.New(cfg.Filter),
		Searcher:   search.NewExa(exaClient, cfg.Search),
		Enricher:   enrich.NewIcypeas(icypeasClient, cfg.Icypeas),
		Email:      campaign.NewInstantly(instantlyClient, cfg.Instantly),
		Network:    campaign.NewProsp(prospClient, cfg.Prosp),
	}
}

func httpClient(timeoutSecs int) *http.Client {
	timeout := time.Duration(timeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// printRunResult renders the per-stage metrics and push totals.
func printRunResult(out io.Writer, r *pipeline.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetTitle(fmt.Sprintf("Run %s: %s (%s)", truncateID(r.RunID), r.Status, r.Duration.Round(time.Second)))
	tw.AppendHeader(table.Row{"Stage", "Input", "Output", "Errors", "Duration"})
	for _, s := range r.Stages {
		tw.AppendRow(table.Row{s.Name, s.Input, s.Output, s.Errors, s.Duration.Round(time.Millisecond)})
	}
	tw.AppendFooter(table.Row{"Pushed", fmt.Sprintf("email %d", r.EmailPushed), fmt.Sprintf("network %d", r.NetworkPushed),
		fmt.Sprintf("failed %d", r.EmailFailed+r.NetworkFailed), fmt.Sprintf("recovered %d", r.Recovered)})
	tw.Render()

	if r.Error != "" {
		_, _ = fmt.Fprintf(out, "Error: %s\n", r.Error)
	}
}

func init() {
	runCmd.Flags().BoolVar(&runTest, "test", false, "acquire the smaller test job count")
	runCmd.Flags().StringVar(&runFormat, "format", "table", "output format (table, json)")
	rootCmd.AddCommand(runCmd)
}
