package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/parallel"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/stage"
)

// search looks up decision makers for every company in parallel. The stage
// counts companies: output is companies searched, errors are companies whose
// search failed after retries.
func (p *Pipeline) search(ctx context.Context, x *execution, companies []model.Company) ([]model.Person, error) {
	var (
		mu     sync.Mutex
		people []model.Person
		seen   = make(map[string]bool)
	)
	log := x.log.With(zap.String("stage", string(model.StageSearch)))

	sr, err := x.runner.Run(ctx, model.StageSearch, len(companies), func(ctx context.Context) (stage.Outcome, error) {
		counter := parallel.NewCounter(log, len(companies), p.cfg.Pipeline.ProgressEvery)
		normal := p.policy.WithOnRetry(resilience.RetryLogger("search", "find_people")).Normal()

		report := parallel.Run(ctx, companies, p.cfg.Pipeline.SearchConcurrency, func(ctx context.Context, c model.Company) error {
			found, err := resilience.DoVal(ctx, normal, func(ctx context.Context) ([]model.Person, error) {
				return p.deps.Searcher.FindPeople(ctx, c)
			})
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, person := range found {
				if person.LinkedInURL != "" {
					if seen[person.LinkedInURL] {
						continue
					}
					seen[person.LinkedInURL] = true
				}
				person.Company = c
				people = append(people, person)
			}
			return nil
		}, parallel.WithCounter(counter))

		details := make([]model.ErrorDetail, 0, report.Failed())
		for _, ie := range report.Errors {
			c := companies[ie.Index]
			details = append(details, model.ErrorDetail{
				"company": c.Name,
				"domain":  c.Domain,
				"error":   ie.Err.Error(),
			})
			p.logError(ctx, x, model.StageSearch, model.ErrorTypeAPI, ie.Err, map[string]any{
				"company": c.Name,
				"domain":  c.Domain,
			})
		}
		return stage.Outcome{Output: report.Succeeded, Errors: report.Failed(), Details: details}, nil
	})
	x.record(sr)
	if err != nil {
		return nil, err
	}
	if len(people) == 0 {
		return nil, ErrNoPeople
	}

	x.result.People = len(people)
	return people, nil
}
