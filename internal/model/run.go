package model

import "time"

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StageName identifies one pipeline stage.
type StageName string

const (
	StageScrape       StageName = "scrape"
	StageFilter       StageName = "filter"
	StageSearch       StageName = "search"
	StageEnrich       StageName = "enrich"
	StageValidate     StageName = "validate"
	StagePushEmail    StageName = "push_email"
	StagePushLinkedIn StageName = "push_linkedin"
)

// StagePipeline is the stage tag used for run-level fatal errors.
const StagePipeline = "pipeline"

// ErrorType categorizes an ErrorLogEntry.
type ErrorType string

const (
	ErrorTypeAPI          ErrorType = "API_ERROR"
	ErrorTypeRequest      ErrorType = "REQUEST_ERROR"
	ErrorTypeBatch        ErrorType = "BATCH_ERROR"
	ErrorTypeVerification ErrorType = "VERIFICATION_ERROR"
	ErrorTypePush         ErrorType = "PUSH_FAILED"
	ErrorTypeAbandoned    ErrorType = "ABANDONED"
	ErrorTypeStore        ErrorType = "STORE_ERROR"
	ErrorTypeFatal        ErrorType = "FATAL_ERROR"
)

// Run is one end-to-end pipeline execution.
type Run struct {
	ID           string         `json:"id" yaml:"id"`
	Config       map[string]any `json:"config" yaml:"config"`
	Status       RunStatus      `json:"status" yaml:"status"`
	ErrorMessage string         `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Finished reports whether the run has been finalized.
func (r Run) Finished() bool {
	return r.CompletedAt != nil
}

// Duration returns the wall time of a finished run, or zero while running.
func (r Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// ErrorDetail is one diagnostic entry attached to a stage.
type ErrorDetail map[string]any

// StageMetric is the persisted record of one stage invocation.
type StageMetric struct {
	ID           string        `json:"id" yaml:"id"`
	RunID        string        `json:"run_id" yaml:"run_id"`
	Stage        StageName     `json:"stage" yaml:"stage"`
	StartedAt    time.Time     `json:"started_at" yaml:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	InputCount   int           `json:"input_count" yaml:"input_count"`
	OutputCount  int           `json:"output_count" yaml:"output_count"`
	ErrorCount   int           `json:"error_count" yaml:"error_count"`
	ErrorDetails []ErrorDetail `json:"error_details,omitempty" yaml:"error_details,omitempty"`
}

// Open reports whether the stage is still running. Counts of an open stage
// are not final.
func (m StageMetric) Open() bool {
	return m.CompletedAt == nil
}

// ErrorLogEntry is an append-only error record tied to a run.
type ErrorLogEntry struct {
	ID        string         `json:"id" yaml:"id"`
	RunID     string         `json:"run_id" yaml:"run_id"`
	Stage     string         `json:"stage" yaml:"stage"`
	ErrorType ErrorType      `json:"error_type" yaml:"error_type"`
	Message   string         `json:"message" yaml:"message"`
	Context   map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

// StageResult summarizes a finished stage for display.
type StageResult struct {
	Name     StageName     `json:"name"`
	Input    int           `json:"input"`
	Output   int           `json:"output"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}
