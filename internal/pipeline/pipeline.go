// Package pipeline runs the daily lead generation flow: acquire job postings,
// filter companies, search decision makers, enrich emails, validate leads and
// push them to the email and professional-network campaigns.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/stage"
	"github.com/sells-group/lead-pipeline/internal/store"
)

var (
	// ErrNoJobs aborts a run whose source returned nothing.
	ErrNoJobs = eris.New("pipeline: no jobs acquired")
	// ErrNoCompanies aborts a run where every posting was filtered out.
	ErrNoCompanies = eris.New("pipeline: no companies passed filtering")
	// ErrNoPeople aborts a run where no decision maker was found.
	ErrNoPeople = eris.New("pipeline: no decision makers found")
)

// RunOptions selects the run mode.
type RunOptions struct {
	// TestMode acquires the smaller test job count.
	TestMode bool
}

// Result summarizes one run.
type Result struct {
	RunID    string              `json:"run_id"`
	Status   model.RunStatus     `json:"status"`
	Error    string              `json:"error,omitempty"`
	Stages   []model.StageResult `json:"stages"`
	Duration time.Duration       `json:"duration"`

	Jobs          int `json:"jobs"`
	Companies     int `json:"companies"`
	People        int `json:"people"`
	Enriched      int `json:"enriched"`
	Validated     int `json:"validated"`
	Recovered     int `json:"recovered"`
	EmailPushed   int `json:"email_pushed"`
	EmailFailed   int `json:"email_failed"`
	NetworkPushed int `json:"network_pushed"`
	NetworkFailed int `json:"network_failed"`
	Abandoned     int `json:"abandoned"`
}

// Succeeded reports whether the run completed.
func (r *Result) Succeeded() bool {
	return r.Status == model.RunStatusCompleted
}

// Pipeline orchestrates the six stages against a Store.
type Pipeline struct {
	cfg    *config.Config
	store  store.Store
	deps   Deps
	policy resilience.Policy
}

// New creates a Pipeline. cfg is read, never modified.
func New(cfg *config.Config, st store.Store, deps Deps) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		store:  st,
		deps:   deps,
		policy: cfg.Retry.Policy(),
	}
}

// execution carries the per-run state shared by the stage methods.
type execution struct {
	runID  string
	runner *stage.Runner
	log    *zap.Logger
	result *Result
}

func (x *execution) record(sr model.StageResult) {
	x.result.Stages = append(x.result.Stages, sr)
}

// Run executes one pipeline run. A run that fails after it was created is
// finalized as failed and its Result is returned with the error.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	run, err := p.store.CreateRun(ctx, p.cfg.Summary(opts.TestMode))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("pipeline: run started", zap.Bool("test_mode", opts.TestMode))

	start := time.Now()
	x := &execution{
		runID:  run.ID,
		runner: stage.NewRunner(p.store, run.ID),
		log:    log,
		result: &Result{RunID: run.ID, Status: model.RunStatusRunning},
	}

	runErr := p.execute(ctx, x, opts)
	x.result.Duration = time.Since(start)

	// Finalization must survive a cancelled run context.
	fctx := context.WithoutCancel(ctx)
	if runErr == nil {
		if err := p.store.CompleteRun(fctx, run.ID, model.RunStatusCompleted, ""); err != nil {
			runErr = eris.Wrap(err, "pipeline: complete run")
		} else {
			x.result.Status = model.RunStatusCompleted
			log.Info("pipeline: run completed",
				zap.Duration("duration", x.result.Duration),
				zap.Int("validated", x.result.Validated),
				zap.Int("email_pushed", x.result.EmailPushed),
				zap.Int("network_pushed", x.result.NetworkPushed),
			)
			return x.result, nil
		}
	}

	msg := runErr.Error()
	log.Error("pipeline: run failed", zap.Error(runErr))
	x.result.Status = model.RunStatusFailed
	x.result.Error = msg
	if err := p.store.LogError(fctx, run.ID, model.StagePipeline, model.ErrorTypeFatal, msg, nil); err != nil {
		log.Warn("pipeline: log fatal error", zap.Error(err))
	}
	if err := p.store.CompleteRun(fctx, run.ID, model.RunStatusFailed, msg); err != nil && !eris.Is(err, store.ErrRunFinalized) {
		log.Error("pipeline: finalize failed run", zap.Error(err))
	}
	return x.result, runErr
}

func (p *Pipeline) execute(ctx context.Context, x *execution, opts RunOptions) error {
	// Capture the unresolved network backlog before this run adds leads.
	backlog, err := p.store.UnpushedLeads(ctx, model.ChannelNetwork, p.cfg.Pipeline.MaxPushAttempts)
	if err != nil {
		return eris.Wrap(err, "pipeline: load push backlog")
	}
	if len(backlog) > 0 {
		x.log.Info("pipeline: unpushed leads from previous runs", zap.Int("count", len(backlog)))
	}

	jobs, err := p.acquire(ctx, x, p.cfg.Pipeline.JobTarget(opts.TestMode))
	if err != nil {
		return err
	}
	companies, err := p.filter(ctx, x, jobs)
	if err != nil {
		return err
	}
	people, err := p.search(ctx, x, companies)
	if err != nil {
		return err
	}
	prospects, err := p.enrich(ctx, x, people)
	if err != nil {
		return err
	}
	leads, err := p.validate(ctx, x, prospects)
	if err != nil {
		return err
	}
	return p.push(ctx, x, leads, backlog)
}

// logError appends to the run's error log. Failing to log never fails the
// caller.
func (p *Pipeline) logError(ctx context.Context, x *execution, stageName model.StageName, errType model.ErrorType, err error, errCtx map[string]any) {
	if lerr := p.store.LogError(context.WithoutCancel(ctx), x.runID, string(stageName), errType, err.Error(), errCtx); lerr != nil {
		x.log.Warn("pipeline: log error",
			zap.String("stage", string(stageName)),
			zap.Error(lerr),
		)
	}
}
