// Package store persists runs, stage metrics, error logs and leads.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

var (
	// ErrNotFound is returned when a run, stage or lead id does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrStageClosed is returned when completing a stage twice.
	ErrStageClosed = eris.New("store: stage already completed")
	// ErrRunFinalized is returned when completing a run twice.
	ErrRunFinalized = eris.New("store: run already finalized")
)

// maxErrorDetails caps the error details persisted per stage.
const maxErrorDetails = 50

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	StartedAfter time.Time       `json:"started_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// LeadTotals aggregates leads across all runs.
type LeadTotals struct {
	TotalLeads     int     `json:"total_leads"`
	TotalRuns      int     `json:"total_runs"`
	AvgLeadsPerRun float64 `json:"avg_leads_per_run"`
	EmailBacklog   int     `json:"email_backlog"`
	NetworkBacklog int     `json:"network_backlog"`
}

// Store defines the persistence interface for the lead pipeline. Every write
// is its own short statement and is retried on lock contention.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, config map[string]any) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	LatestRun(ctx context.Context) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Stages
	StartStage(ctx context.Context, runID string, stage model.StageName, input int) (string, error)
	CompleteStage(ctx context.Context, stageID string, output, errCount int, details []model.ErrorDetail) error
	ListStages(ctx context.Context, runID string) ([]model.StageMetric, error)

	// Error log
	LogError(ctx context.Context, runID, stage string, errType model.ErrorType, msg string, errCtx map[string]any) error
	ListErrors(ctx context.Context, runID string) ([]model.ErrorLogEntry, error)

	// Leads
	AddLead(ctx context.Context, runID string, lead *model.Lead) (string, error)
	AddLeads(ctx context.Context, runID string, leads []*model.Lead) ([]string, error)
	UpdateLead(ctx context.Context, id string, patch model.LeadPatch) error
	// CountPushAttempt increments the lifetime attempt counter of channel
	// in place and returns the new value.
	CountPushAttempt(ctx context.Context, id string, channel model.Channel) (int, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	LeadsByStatus(ctx context.Context, runID string, status model.LeadStatus) ([]model.Lead, error)
	UnpushedLeads(ctx context.Context, channel model.Channel, maxAttempts int) ([]model.Lead, error)
	LeadCounts(ctx context.Context, runID string) (map[model.LeadStatus]int, error)
	LeadTotals(ctx context.Context, maxAttempts int) (*LeadTotals, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func capDetails(details []model.ErrorDetail) []model.ErrorDetail {
	if len(details) > maxErrorDetails {
		return details[:maxErrorDetails]
	}
	return details
}

// leadColumns is the column order shared by inserts and scans.
var leadColumns = []string{
	"id", "run_id",
	"company_name", "company_domain", "company_website", "job_title", "employee_count", "location",
	"person_name", "person_first_name", "person_last_name", "person_title", "linkedin_url",
	"email", "email_certainty", "email_verified",
	"status", "failure_reason",
	"email_status", "network_status", "email_attempts", "network_attempts",
	"created_at", "updated_at",
}

func leadValues(l *model.Lead) []any {
	return []any{
		l.ID, l.RunID,
		l.CompanyName, l.CompanyDomain, l.CompanyWebsite, l.JobTitle, l.EmployeeCount, l.Location,
		l.PersonName, l.FirstName, l.LastName, l.PersonTitle, l.LinkedInURL,
		l.Email, string(l.EmailCertainty), l.EmailVerified,
		string(l.Status), l.FailureReason,
		string(l.EmailStatus), string(l.NetworkStatus), l.EmailAttempts, l.NetworkAttempts,
		l.CreatedAt, l.UpdatedAt,
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	err := row.Scan(
		&l.ID, &l.RunID,
		&l.CompanyName, &l.CompanyDomain, &l.CompanyWebsite, &l.JobTitle, &l.EmployeeCount, &l.Location,
		&l.PersonName, &l.FirstName, &l.LastName, &l.PersonTitle, &l.LinkedInURL,
		&l.Email, &l.EmailCertainty, &l.EmailVerified,
		&l.Status, &l.FailureReason,
		&l.EmailStatus, &l.NetworkStatus, &l.EmailAttempts, &l.NetworkAttempts,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// prepareLead fills in id, run, defaults and timestamps for an insert.
func prepareLead(runID string, l *model.Lead, now time.Time) {
	if l.ID == "" {
		l.ID = newID()
	}
	l.RunID = runID
	if l.Status == "" {
		l.Status = model.LeadStatusCreated
	}
	if l.EmailStatus == "" {
		l.EmailStatus = model.PushPending
	}
	if l.NetworkStatus == "" {
		l.NetworkStatus = model.PushPending
	}
	l.CreatedAt = now
	l.UpdatedAt = now
}

// patchAssignments returns the column names and values a LeadPatch sets.
func patchAssignments(p model.LeadPatch) ([]string, []any) {
	var cols []string
	var args []any
	set := func(col string, v any) {
		cols = append(cols, col)
		args = append(args, v)
	}
	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.FailureReason != nil {
		set("failure_reason", *p.FailureReason)
	}
	if p.Email != nil {
		set("email", *p.Email)
	}
	if p.EmailCertainty != nil {
		set("email_certainty", string(*p.EmailCertainty))
	}
	if p.EmailVerified != nil {
		set("email_verified", *p.EmailVerified)
	}
	if p.EmailStatus != nil {
		set("email_status", string(*p.EmailStatus))
	}
	if p.NetworkStatus != nil {
		set("network_status", string(*p.NetworkStatus))
	}
	if p.EmailAttempts != nil {
		set("email_attempts", *p.EmailAttempts)
	}
	if p.NetworkAttempts != nil {
		set("network_attempts", *p.NetworkAttempts)
	}
	return cols, args
}

// unpushedCondition selects validated leads eligible for and not yet
// delivered on c. It mirrors model.Lead.Eligible.
func unpushedCondition(c model.Channel) string {
	if c == model.ChannelEmail {
		return `status = 'validated' AND email_status <> 'pushed_instantly' AND email <> ''` +
			` AND company_name <> '' AND (person_first_name <> '' OR person_name <> '')`
	}
	return `status = 'validated' AND network_status <> 'pushed_prosp' AND linkedin_url <> ''`
}

func attemptsColumn(c model.Channel) string {
	if c == model.ChannelEmail {
		return "email_attempts"
	}
	return "network_attempts"
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
