package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/stage"
)

var (
	errNotAccepted = eris.New("pipeline: lead not accepted by campaign")
	errRejected    = eris.New("pipeline: lead rejected by campaign")
)

// push delivers this run's validated leads plus the backlog recovered from
// earlier runs, email first and then the professional network.
func (p *Pipeline) push(ctx context.Context, x *execution, current, backlog []model.Lead) error {
	leads, recovered := mergeLeads(current, backlog)
	x.result.Recovered = recovered
	if recovered > 0 {
		x.log.Info("pipeline: merged backlog into push",
			zap.Int("new", len(current)),
			zap.Int("recovered", recovered),
		)
	}

	if err := p.pushEmail(ctx, x, leads); err != nil {
		return err
	}
	return p.pushNetwork(ctx, x, leads)
}

// mergeLeads appends backlog leads not already present by id and reports how
// many were added.
func mergeLeads(current, backlog []model.Lead) ([]model.Lead, int) {
	seen := make(map[string]bool, len(current))
	merged := make([]model.Lead, 0, len(current)+len(backlog))
	for _, l := range current {
		seen[l.ID] = true
		merged = append(merged, l)
	}
	added := 0
	for _, l := range backlog {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		merged = append(merged, l)
		added++
	}
	return merged, added
}

// pending returns the leads that still need delivery on c: eligible, not
// yet delivered and not abandoned.
func (p *Pipeline) pending(leads []model.Lead, c model.Channel) (todo []model.Lead, skipped int) {
	maxAttempts := p.cfg.Pipeline.MaxPushAttempts
	for _, l := range leads {
		if !l.Eligible(c) || l.Pushed(c) || (maxAttempts > 0 && l.Attempts(c) >= maxAttempts) {
			skipped++
			continue
		}
		todo = append(todo, l)
	}
	return todo, skipped
}

func (p *Pipeline) pushConfig(log *zap.Logger, service string) stage.PushConfig {
	return stage.PushConfig{
		Concurrency:   p.cfg.Pipeline.PushConcurrency,
		Policy:        p.policy.WithOnRetry(resilience.RetryLogger(service, "push")),
		RetryDelay:    p.cfg.Pipeline.RetryDelay(),
		ProgressEvery: p.cfg.Pipeline.ProgressEvery,
		Log:           log,
	}
}

// writeBack keeps the first store failure seen while persisting push
// outcomes from concurrent workers. Writes run detached from cancellation
// because the vendor has already acted on the lead.
type writeBack struct {
	mu  sync.Mutex
	err error
}

func (w *writeBack) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (p *Pipeline) pushEmail(ctx context.Context, x *execution, leads []model.Lead) error {
	todo, skipped := p.pending(leads, model.ChannelEmail)
	log := x.log.With(zap.String("stage", string(model.StagePushEmail)))
	log.Info("pipeline: email push", zap.Int("pending", len(todo)), zap.Int("skipped", skipped))

	size := max(p.cfg.Pipeline.EmailBatchSize, 1)
	var batches [][]model.Lead
	for start := 0; start < len(todo); start += size {
		batches = append(batches, todo[start:min(start+size, len(todo))])
	}

	var (
		mu       sync.Mutex
		rejected = make(map[string]bool)
		wb       writeBack
		pushed   int
	)
	sr, err := x.runner.Run(ctx, model.StagePushEmail, len(todo), func(ctx context.Context) (stage.Outcome, error) {
		res := stage.TwoPass(ctx, batches, p.pushConfig(log, "instantly"),
			func(ctx context.Context, batch []model.Lead) error {
				ack, err := p.deps.Email.PushBatch(ctx, batch)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, id := range ack.Rejected {
					rejected[id] = true
				}
				mu.Unlock()
				return nil
			},
			func(ctx context.Context, batch []model.Lead) {
				for _, l := range batch {
					mu.Lock()
					skip := rejected[l.ID]
					mu.Unlock()
					if skip {
						continue
					}
					if err := p.store.UpdateLead(context.WithoutCancel(ctx), l.ID, model.MarkPushed(model.ChannelEmail)); err != nil {
						wb.fail(eris.Wrapf(err, "pipeline: mark lead %s pushed", l.ID))
						continue
					}
					mu.Lock()
					pushed++
					mu.Unlock()
				}
			},
		)

		var out stage.Outcome
		for _, batch := range res.Succeeded {
			for _, l := range batch {
				if rejected[l.ID] {
					out.Details = append(out.Details, leadDetail(l, errRejected))
					p.recordFailure(ctx, x, &wb, l, model.ChannelEmail, errRejected)
				}
			}
		}
		for _, f := range res.Failed {
			p.logError(ctx, x, model.StagePushEmail, model.ErrorTypeAPI, f.Err, map[string]any{
				"batch_size": len(f.Item),
			})
			for _, l := range f.Item {
				out.Details = append(out.Details, leadDetail(l, f.Err))
				p.recordFailure(ctx, x, &wb, l, model.ChannelEmail, f.Err)
			}
		}
		outstanding := 0
		for _, batch := range res.Interrupted {
			for _, l := range batch {
				out.Details = append(out.Details, leadDetail(l, ctx.Err()))
				outstanding++
			}
		}

		out.Output = pushed
		out.Errors = len(todo) - pushed
		x.result.EmailPushed = pushed
		x.result.EmailFailed = out.Errors
		return out, interrupted(ctx, &wb, model.ChannelEmail, outstanding)
	})
	x.record(sr)
	return err
}

func (p *Pipeline) pushNetwork(ctx context.Context, x *execution, leads []model.Lead) error {
	todo, skipped := p.pending(leads, model.ChannelNetwork)
	log := x.log.With(zap.String("stage", string(model.StagePushLinkedIn)))
	log.Info("pipeline: network push", zap.Int("pending", len(todo)), zap.Int("skipped", skipped))

	var (
		mu     sync.Mutex
		wb     writeBack
		pushed int
	)
	sr, err := x.runner.Run(ctx, model.StagePushLinkedIn, len(todo), func(ctx context.Context) (stage.Outcome, error) {
		res := stage.TwoPass(ctx, todo, p.pushConfig(log, "prosp"),
			func(ctx context.Context, l model.Lead) error {
				ok, err := p.deps.Network.PushOne(ctx, l)
				if err != nil {
					return err
				}
				if !ok {
					return errNotAccepted
				}
				return nil
			},
			func(ctx context.Context, l model.Lead) {
				if err := p.store.UpdateLead(context.WithoutCancel(ctx), l.ID, model.MarkPushed(model.ChannelNetwork)); err != nil {
					wb.fail(eris.Wrapf(err, "pipeline: mark lead %s pushed", l.ID))
					return
				}
				mu.Lock()
				pushed++
				mu.Unlock()
			},
		)

		var out stage.Outcome
		for _, f := range res.Failed {
			out.Details = append(out.Details, leadDetail(f.Item, f.Err))
			p.recordFailure(ctx, x, &wb, f.Item, model.ChannelNetwork, f.Err)
		}
		for _, l := range res.Interrupted {
			out.Details = append(out.Details, leadDetail(l, ctx.Err()))
		}
		if res.Retried > 0 {
			log.Info("pipeline: network retry pass",
				zap.Int("retried", res.Retried),
				zap.Int("permanently_failed", len(res.Failed)),
			)
		}

		out.Output = pushed
		out.Errors = len(todo) - pushed
		x.result.NetworkPushed = pushed
		x.result.NetworkFailed = len(res.Failed)
		return out, interrupted(ctx, &wb, model.ChannelNetwork, len(res.Interrupted))
	})
	x.record(sr)
	return err
}

// interrupted returns the error a push stage body ends with: the first
// write-back failure, or ctx's error when cancellation cut the push short.
// Interrupted items keep their pending status and attempt counters so the
// next run picks them up.
func interrupted(ctx context.Context, wb *writeBack, c model.Channel, outstanding int) error {
	if wb.err != nil {
		return wb.err
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrapf(err, "pipeline: %s push interrupted with %d leads outstanding", c, outstanding)
	}
	return nil
}

// recordFailure logs a permanent push failure and bumps the lead's lifetime
// attempt counter for c. The lead keeps its pending status so a later run
// retries it, until the counter reaches the configured maximum. The counter
// is incremented in the store, so ABANDONED is logged by the one run whose
// increment reaches the cap.
func (p *Pipeline) recordFailure(ctx context.Context, x *execution, wb *writeBack, l model.Lead, c model.Channel, cause error) {
	stageName := c.Stage()
	errCtx := map[string]any{
		"lead_id":      l.ID,
		"company":      l.CompanyName,
		"person":       l.PersonName,
		"linkedin_url": l.LinkedInURL,
	}
	p.logError(ctx, x, stageName, model.ErrorTypePush, cause, errCtx)

	attempts, err := p.store.CountPushAttempt(context.WithoutCancel(ctx), l.ID, c)
	if err != nil {
		wb.fail(eris.Wrapf(err, "pipeline: count push attempt for lead %s", l.ID))
		return
	}

	maxAttempts := p.cfg.Pipeline.MaxPushAttempts
	if maxAttempts > 0 && attempts == maxAttempts {
		x.result.Abandoned++
		errCtx["attempts"] = attempts
		p.logError(ctx, x, stageName, model.ErrorTypeAbandoned,
			eris.Errorf("pipeline: giving up on %s push after %d runs", c, maxAttempts), errCtx)
	}
}

func leadDetail(l model.Lead, err error) model.ErrorDetail {
	return model.ErrorDetail{
		"lead_id": l.ID,
		"company": l.CompanyName,
		"person":  l.PersonName,
		"error":   err.Error(),
	}
}
