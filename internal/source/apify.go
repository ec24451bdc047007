// Package source acquires raw job postings from the job-board scraper.
package source

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/pkg/apify"
)

// DefaultActor is the LinkedIn jobs scraper actor.
const DefaultActor = "curious_coder~linkedin-jobs-scraper"

const pageSize = 1000

// ErrNoSuccessfulRun is returned when none of the recent scraper runs
// succeeded.
var ErrNoSuccessfulRun = eris.New("source: no successful scraper run")

// Apify reads postings from the dataset of the actor's newest successful
// run. It never starts a scrape itself.
type Apify struct {
	client    apify.Client
	actorID   string
	runsLimit int
	log       *zap.Logger
}

// NewApify creates an Apify source.
func NewApify(client apify.Client, cfg config.ApifyConfig) *Apify {
	actor := cfg.ActorID
	if actor == "" {
		actor = DefaultActor
	}
	limit := cfg.RunsLimit
	if limit <= 0 {
		limit = 10
	}
	return &Apify{
		client:    client,
		actorID:   actor,
		runsLimit: limit,
		log:       zap.L().With(zap.String("component", "source"), zap.String("actor", actor)),
	}
}

// FetchJobs returns up to target postings.
func (a *Apify) FetchJobs(ctx context.Context, target int) ([]model.RawJob, error) {
	runs, err := a.client.ListRuns(ctx, a.actorID, a.runsLimit)
	if err != nil {
		return nil, eris.Wrap(err, "source: list scraper runs")
	}

	var latest *apify.Run
	for i := range runs {
		if runs[i].Status == apify.StatusSucceeded && runs[i].DefaultDatasetID != "" {
			latest = &runs[i]
			break
		}
	}
	if latest == nil {
		return nil, resilience.Permanent(eris.Wrapf(ErrNoSuccessfulRun, "source: checked %d runs", len(runs)))
	}
	a.log.Info("source: using scraper run",
		zap.String("scraper_run", latest.ID),
		zap.String("dataset", latest.DefaultDatasetID),
		zap.Time("finished_at", latest.FinishedAt),
	)

	var jobs []model.RawJob
	for offset := 0; target <= 0 || len(jobs) < target; {
		limit := pageSize
		if target > 0 {
			limit = min(pageSize, target-len(jobs))
		}
		items, err := a.client.DatasetItems(ctx, latest.DefaultDatasetID, offset, limit)
		if err != nil {
			return nil, eris.Wrapf(err, "source: read dataset %s", latest.DefaultDatasetID)
		}
		for _, item := range items {
			jobs = append(jobs, model.RawJob(item))
		}
		offset += len(items)
		a.log.Debug("source: fetched page", zap.Int("total", len(jobs)))
		if len(items) < limit {
			break
		}
	}

	a.log.Info("source: fetched postings", zap.Int("count", len(jobs)), zap.Int("target", target))
	return jobs, nil
}
