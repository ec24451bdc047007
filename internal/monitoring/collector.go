// Package monitoring summarizes pipeline run health from the run store and
// raises alerts when it degrades.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	// Runs started within the lookback window.
	TotalRuns   int     `json:"total_runs" yaml:"total_runs"`
	Completed   int     `json:"completed" yaml:"completed"`
	Failed      int     `json:"failed" yaml:"failed"`
	Running     int     `json:"running" yaml:"running"`
	SuccessRate float64 `json:"success_rate" yaml:"success_rate"`
	FailureRate float64 `json:"failure_rate" yaml:"failure_rate"`

	// Leads across all runs.
	TotalLeads     int                      `json:"total_leads" yaml:"total_leads"`
	LeadsByStatus  map[model.LeadStatus]int `json:"leads_by_status" yaml:"leads_by_status"`
	AvgLeadsPerRun float64                  `json:"avg_leads_per_run" yaml:"avg_leads_per_run"`
	EmailBacklog   int                      `json:"email_backlog" yaml:"email_backlog"`
	NetworkBacklog int                      `json:"network_backlog" yaml:"network_backlog"`

	// LastCompletedAt is when the most recent successful run finished, if any.
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty" yaml:"last_completed_at,omitempty"`

	LookbackHours int       `json:"lookback_hours" yaml:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at" yaml:"collected_at"`
}

// RunReport is everything recorded about one run.
type RunReport struct {
	Run        *model.Run               `json:"run" yaml:"run"`
	Stages     []model.StageMetric      `json:"stages" yaml:"stages"`
	LeadCounts map[model.LeadStatus]int `json:"lead_counts" yaml:"lead_counts"`
	Errors     []model.ErrorLogEntry    `json:"errors" yaml:"errors"`
}

// Collector gathers run and lead metrics from the store.
type Collector struct {
	store       store.Store
	maxAttempts int
}

// NewCollector creates a collector. maxAttempts bounds the push backlog the
// same way the orchestrator does; zero counts every unpushed lead.
func NewCollector(st store.Store, maxAttempts int) *Collector {
	return &Collector{store: st, maxAttempts: maxAttempts}
}

// Collect gathers a snapshot over runs started within lookback. A zero
// lookback considers every run.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*Snapshot, error) {
	now := time.Now().UTC()
	snap := &Snapshot{
		LookbackHours: int(lookback / time.Hour),
		CollectedAt:   now,
	}

	filter := store.RunFilter{Limit: 10000}
	if lookback > 0 {
		filter.StartedAfter = now.Add(-lookback)
	}
	runs, err := c.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.TotalRuns = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			snap.Completed++
		case model.RunStatusFailed:
			snap.Failed++
		default:
			snap.Running++
		}
	}
	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.SuccessRate = float64(snap.Completed) / float64(finished)
		snap.FailureRate = float64(snap.Failed) / float64(finished)
	}

	totals, err := c.store.LeadTotals(ctx, c.maxAttempts)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: lead totals")
	}
	snap.TotalLeads = totals.TotalLeads
	snap.AvgLeadsPerRun = totals.AvgLeadsPerRun
	snap.EmailBacklog = totals.EmailBacklog
	snap.NetworkBacklog = totals.NetworkBacklog

	snap.LeadsByStatus, err = c.store.LeadCounts(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: lead counts")
	}

	last, err := c.store.ListRuns(ctx, store.RunFilter{Status: model.RunStatusCompleted, Limit: 1})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last completed run")
	}
	if len(last) > 0 && last[0].CompletedAt != nil {
		at := *last[0].CompletedAt
		snap.LastCompletedAt = &at
	}

	return snap, nil
}

// RunDetails returns the run with its stages, lead counts and error log.
func (c *Collector) RunDetails(ctx context.Context, runID string) (*RunReport, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: get run %s", runID)
	}
	return c.report(ctx, run)
}

// Latest returns the details of the most recently started run.
func (c *Collector) Latest(ctx context.Context) (*RunReport, error) {
	run, err := c.store.LatestRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest run")
	}
	return c.report(ctx, run)
}

func (c *Collector) report(ctx context.Context, run *model.Run) (*RunReport, error) {
	stages, err := c.store.ListStages(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list stages")
	}
	counts, err := c.store.LeadCounts(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: run lead counts")
	}
	errs, err := c.store.ListErrors(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list errors")
	}
	return &RunReport{Run: run, Stages: stages, LeadCounts: counts, Errors: errs}, nil
}
