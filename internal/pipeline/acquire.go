package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/classify"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/stage"
)

// acquire fetches up to target postings. Postings the source could not
// supply are counted as the stage's errors.
func (p *Pipeline) acquire(ctx context.Context, x *execution, target int) ([]model.RawJob, error) {
	var jobs []model.RawJob
	sr, err := x.runner.Run(ctx, model.StageScrape, target, func(ctx context.Context) (stage.Outcome, error) {
		var err error
		jobs, err = resilience.DoVal(ctx, p.policy.Normal(), func(ctx context.Context) ([]model.RawJob, error) {
			return p.deps.Source.FetchJobs(ctx, target)
		})
		if err != nil {
			p.logError(ctx, x, model.StageScrape, model.ErrorTypeAPI, err, nil)
			return stage.Outcome{}, eris.Wrap(err, "pipeline: fetch jobs")
		}
		if len(jobs) > target {
			jobs = jobs[:target]
		}

		out := stage.Outcome{Output: len(jobs)}
		if short := target - len(jobs); short > 0 {
			out.Errors = short
			out.Details = []model.ErrorDetail{{"shortfall": short, "requested": target}}
		}
		return out, nil
	})
	x.record(sr)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}

	x.result.Jobs = len(jobs)
	return jobs, nil
}

// filter classifies every posting and keeps the first company per domain.
// Rejections are counted per reason in the stage details.
func (p *Pipeline) filter(ctx context.Context, x *execution, jobs []model.RawJob) ([]model.Company, error) {
	var companies []model.Company
	sr, err := x.runner.Run(ctx, model.StageFilter, len(jobs), func(_ context.Context) (stage.Outcome, error) {
		stats := make(map[string]int, len(classify.Reasons))
		for _, r := range classify.Reasons {
			stats[r] = 0
		}

		seen := make(map[string]bool)
		rejected := 0
		for _, job := range jobs {
			v := p.deps.Classifier.Classify(job)
			reason := v.Reason
			if v.Accepted() && seen[v.Company.Domain] {
				reason = classify.ReasonDuplicate
			}
			if reason != "" {
				stats[reason]++
				rejected++
				continue
			}
			seen[v.Company.Domain] = true
			companies = append(companies, v.Company)
		}

		x.log.Info("pipeline: filtering complete",
			zap.Int("jobs", len(jobs)),
			zap.Int("companies", len(companies)),
			zap.Any("rejections", stats),
		)
		return stage.Outcome{
			Output:  len(companies),
			Errors:  rejected,
			Details: []model.ErrorDetail{{"rejection_stats": stats}},
		}, nil
	})
	x.record(sr)
	if err != nil {
		return nil, err
	}
	if len(companies) == 0 {
		return nil, ErrNoCompanies
	}

	x.result.Companies = len(companies)
	return companies, nil
}
