package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/parallel"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/stage"
)

// enrich looks up an email for every person. Every person comes back as a
// prospect, with a nil contact when the lookup found nothing or failed. The
// stage output counts completed lookups; failed lookups are errors.
func (p *Pipeline) enrich(ctx context.Context, x *execution, people []model.Person) ([]model.Prospect, error) {
	prospects := make([]model.Prospect, len(people))
	for i := range people {
		prospects[i].Person = people[i]
	}

	sr, err := x.runner.Run(ctx, model.StageEnrich, len(people), func(ctx context.Context) (stage.Outcome, error) {
		if be, ok := p.deps.Enricher.(BatchEnricher); ok && p.cfg.Pipeline.BatchEnrich {
			return p.enrichBatch(ctx, x, be, prospects)
		}
		return p.enrichEach(ctx, x, prospects), nil
	})
	x.record(sr)
	if err != nil {
		return nil, err
	}

	for _, pr := range prospects {
		if pr.Contact != nil && pr.Contact.Email != "" {
			x.result.Enriched++
		}
	}
	return prospects, nil
}

// enrichEach finds and verifies contacts one person at a time in parallel.
// Each worker writes only its own slot of prospects.
func (p *Pipeline) enrichEach(ctx context.Context, x *execution, prospects []model.Prospect) stage.Outcome {
	log := x.log.With(zap.String("stage", string(model.StageEnrich)))
	counter := parallel.NewCounter(log, len(prospects), p.cfg.Pipeline.ProgressEvery)
	policy := p.policy.WithOnRetry(resilience.RetryLogger("enrich", "find_contact"))

	idx := make([]int, len(prospects))
	for i := range idx {
		idx[i] = i
	}

	report := parallel.Run(ctx, idx, p.cfg.Pipeline.EnrichConcurrency, func(ctx context.Context, i int) error {
		person := prospects[i].Person
		contact, err := resilience.DoVal(ctx, policy.Normal(), func(ctx context.Context) (*model.Contact, error) {
			return p.deps.Enricher.FindContact(ctx, person)
		})
		if err != nil {
			return err
		}
		if contact != nil && contact.Email != "" {
			verified, verr := resilience.DoVal(ctx, policy.Normal(), func(ctx context.Context) (bool, error) {
				return p.deps.Enricher.VerifyContact(ctx, *contact)
			})
			if verr != nil {
				p.logError(ctx, x, model.StageEnrich, model.ErrorTypeVerification, verr, map[string]any{
					"email": contact.Email,
				})
				verified = false
			}
			contact.Verified = verified
		}
		prospects[i].Contact = contact
		return nil
	}, parallel.WithCounter(counter))

	details := make([]model.ErrorDetail, 0, report.Failed())
	for _, ie := range report.Errors {
		person := prospects[ie.Index].Person
		details = append(details, model.ErrorDetail{
			"person":       person.Name,
			"linkedin_url": person.LinkedInURL,
			"error":        ie.Err.Error(),
		})
		p.logError(ctx, x, model.StageEnrich, model.ErrorTypeAPI, ie.Err, map[string]any{
			"person":  person.Name,
			"company": person.Company.Name,
		})
	}
	return stage.Outcome{Output: report.Succeeded, Errors: report.Failed(), Details: details}
}

// enrichBatch submits people in chunks and then verifies every email found
// in one bulk call. A failed chunk counts all of its people as errors. A
// failed verification leaves contacts unverified without failing anyone.
func (p *Pipeline) enrichBatch(ctx context.Context, x *execution, be BatchEnricher, prospects []model.Prospect) (stage.Outcome, error) {
	size := p.cfg.Pipeline.EnrichBatchSize
	if size <= 0 {
		size = len(prospects)
	}
	policy := p.policy.WithOnRetry(resilience.RetryLogger("enrich", "bulk_search"))

	var out stage.Outcome
	for start := 0; start < len(prospects); start += size {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		chunk := prospects[start:min(start+size, len(prospects))]
		people := make([]model.Person, len(chunk))
		for i := range chunk {
			people[i] = chunk[i].Person
		}

		contacts, err := resilience.DoVal(ctx, policy.Normal(), func(ctx context.Context) ([]*model.Contact, error) {
			return be.FindContacts(ctx, people)
		})
		if err != nil {
			out.Errors += len(chunk)
			out.Details = append(out.Details, model.ErrorDetail{
				"batch_start": start,
				"batch_size":  len(chunk),
				"error":       err.Error(),
			})
			p.logError(ctx, x, model.StageEnrich, model.ErrorTypeBatch, err, map[string]any{
				"batch_start": start,
				"batch_size":  len(chunk),
			})
			continue
		}
		for i := range chunk {
			if i < len(contacts) {
				chunk[i].Contact = contacts[i]
			}
		}
		out.Output += len(chunk)
		x.log.Info("pipeline: enrichment batch complete",
			zap.Int("batch_start", start),
			zap.Int("batch_size", len(chunk)),
		)
	}

	p.verifyBatch(ctx, x, be, prospects)
	return out, nil
}

func (p *Pipeline) verifyBatch(ctx context.Context, x *execution, be BatchEnricher, prospects []model.Prospect) {
	var emails []string
	seen := make(map[string]bool)
	for _, pr := range prospects {
		if pr.Contact == nil || pr.Contact.Email == "" || seen[pr.Contact.Email] {
			continue
		}
		seen[pr.Contact.Email] = true
		emails = append(emails, pr.Contact.Email)
	}
	if len(emails) == 0 {
		return
	}

	policy := p.policy.WithOnRetry(resilience.RetryLogger("enrich", "bulk_verify"))
	verified, err := resilience.DoVal(ctx, policy.Normal(), func(ctx context.Context) (map[string]bool, error) {
		return be.VerifyContacts(ctx, emails)
	})
	if err != nil {
		p.logError(ctx, x, model.StageEnrich, model.ErrorTypeVerification, err, map[string]any{
			"emails": len(emails),
		})
	}
	for i := range prospects {
		if c := prospects[i].Contact; c != nil && c.Email != "" {
			c.Verified = err == nil && verified[c.Email]
		}
	}
}
