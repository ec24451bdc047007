// Package stage wraps pipeline stages with durable metrics and provides the
// two-pass retry queue used by the push stages.
package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// Recorder persists stage boundaries. store.Store satisfies it.
type Recorder interface {
	StartStage(ctx context.Context, runID string, stage model.StageName, input int) (string, error)
	CompleteStage(ctx context.Context, stageID string, output, errCount int, details []model.ErrorDetail) error
}

// Outcome is what a stage body reports back to the Runner.
type Outcome struct {
	Output  int
	Errors  int
	Details []model.ErrorDetail
}

// Runner opens and closes a stage metric around each stage body.
type Runner struct {
	rec   Recorder
	runID string
	log   *zap.Logger
}

// NewRunner creates a Runner recording stages for runID.
func NewRunner(rec Recorder, runID string) *Runner {
	return &Runner{
		rec:   rec,
		runID: runID,
		log:   zap.L().With(zap.String("run_id", runID)),
	}
}

// Run records a stage with input items around fn. The stage is closed even
// when fn fails; in that case every input not reported as output is counted
// as an error and fn's error is returned.
func (r *Runner) Run(ctx context.Context, name model.StageName, input int, fn func(ctx context.Context) (Outcome, error)) (model.StageResult, error) {
	log := r.log.With(zap.String("stage", string(name)))
	start := time.Now()
	res := model.StageResult{Name: name, Input: input}

	stageID, err := r.rec.StartStage(ctx, r.runID, name, input)
	if err != nil {
		return res, eris.Wrapf(err, "stage: start %s", name)
	}
	log.Info("stage started", zap.Int("input", input))

	out, fnErr := fn(ctx)
	if fnErr != nil {
		out.Errors = max(out.Errors, input-out.Output)
		out.Details = append(out.Details, model.ErrorDetail{"error": fnErr.Error()})
	} else if out.Output+out.Errors != input {
		log.Warn("stage counts do not add up",
			zap.Int("input", input),
			zap.Int("output", out.Output),
			zap.Int("errors", out.Errors),
		)
	}

	res.Output = out.Output
	res.Errors = out.Errors
	res.Duration = time.Since(start)

	// A cancelled run still closes its stage.
	if err := r.rec.CompleteStage(context.WithoutCancel(ctx), stageID, out.Output, out.Errors, out.Details); err != nil {
		if fnErr != nil {
			log.Error("stage: complete after failure", zap.Error(err))
			res.Err = fnErr.Error()
			return res, fnErr
		}
		return res, eris.Wrapf(err, "stage: complete %s", name)
	}

	if fnErr != nil {
		res.Err = fnErr.Error()
		log.Error("stage failed", zap.Error(fnErr), zap.Duration("duration", res.Duration))
		return res, fnErr
	}

	log.Info("stage completed",
		zap.Int("output", out.Output),
		zap.Int("errors", out.Errors),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}
