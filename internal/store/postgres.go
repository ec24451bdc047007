package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/db"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	opts    options
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the per-item writes prepared on each new
// connection. The push stages issue these once per lead.
var preparedStatements = map[string]string{
	"insert_error":   `INSERT INTO error_logs (id, run_id, stage, error_type, message, context, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"insert_stage":   `INSERT INTO stage_metrics (id, run_id, stage, started_at, input_count) VALUES ($1, $2, $3, $4, $5)`,
	"complete_stage": `UPDATE stage_metrics SET completed_at = $1, output_count = $2, error_count = $3, error_details = $4 WHERE id = $5 AND completed_at IS NULL`,
	"get_lead":       pgSelectLeads + ` WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts ...Option) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, opts: buildOptions(opts)}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	config        JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'running',
	error_message TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS stage_metrics (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id        TEXT NOT NULL REFERENCES pipeline_runs(id),
	stage         TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ,
	input_count   INTEGER NOT NULL DEFAULT 0,
	output_count  INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	error_details JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS error_logs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL,
	stage      TEXT NOT NULL,
	error_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	context    JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id            TEXT NOT NULL,
	company_name      TEXT NOT NULL DEFAULT '',
	company_domain    TEXT NOT NULL DEFAULT '',
	company_website   TEXT NOT NULL DEFAULT '',
	job_title         TEXT NOT NULL DEFAULT '',
	employee_count    INTEGER NOT NULL DEFAULT 0,
	location          TEXT NOT NULL DEFAULT '',
	person_name       TEXT NOT NULL DEFAULT '',
	person_first_name TEXT NOT NULL DEFAULT '',
	person_last_name  TEXT NOT NULL DEFAULT '',
	person_title      TEXT NOT NULL DEFAULT '',
	linkedin_url      TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	email_certainty   TEXT NOT NULL DEFAULT '',
	email_verified    BOOLEAN NOT NULL DEFAULT false,
	status            TEXT NOT NULL DEFAULT 'created',
	failure_reason    TEXT NOT NULL DEFAULT '',
	email_status      TEXT NOT NULL DEFAULT 'pending',
	network_status    TEXT NOT NULL DEFAULT 'pending',
	email_attempts    INTEGER NOT NULL DEFAULT 0,
	network_attempts  INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_stage_metrics_run_id ON stage_metrics(run_id);
CREATE INDEX IF NOT EXISTS idx_error_logs_run_id ON error_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_leads_run_status ON leads(run_id, status);
CREATE INDEX IF NOT EXISTS idx_leads_unpushed_network ON leads(network_status) WHERE status = 'validated';
CREATE INDEX IF NOT EXISTS idx_leads_unpushed_email ON leads(email_status) WHERE status = 'validated';
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, config map[string]any) (*model.Run, error) {
	if config == nil {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal run config")
	}

	run := &model.Run{
		ID:        newID(),
		Config:    config,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	err = s.opts.write(ctx, "create_run", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO pipeline_runs (id, config, status, started_at) VALUES ($1, $2, $3, $4)`,
			run.ID, configJSON, string(run.Status), run.StartedAt,
		)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	var n int64
	err := s.opts.write(ctx, "complete_run", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE pipeline_runs SET status = $1, error_message = $2, completed_at = $3
			 WHERE id = $4 AND completed_at IS NULL`,
			string(status), errMsg, time.Now().UTC(), runID,
		)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if n == 0 {
		return s.closedOrMissing(ctx, "pipeline_runs", runID, ErrRunFinalized)
	}
	return nil
}

const pgSelectRuns = `SELECT id, config, status, error_message, started_at, completed_at FROM pipeline_runs`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return scanPostgresRun(s.pool.QueryRow(ctx, pgSelectRuns+` WHERE id = $1`, runID))
}

func (s *PostgresStore) LatestRun(ctx context.Context) (*model.Run, error) {
	return scanPostgresRun(s.pool.QueryRow(ctx, pgSelectRuns+` ORDER BY started_at DESC LIMIT 1`))
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := pgSelectRuns + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.StartedAfter.UTC())
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Stages ---

func (s *PostgresStore) StartStage(ctx context.Context, runID string, stage model.StageName, input int) (string, error) {
	id := newID()
	err := s.opts.write(ctx, "start_stage", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, preparedStatements["insert_stage"],
			id, runID, string(stage), time.Now().UTC(), input,
		)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "postgres: start stage %s for run %s", stage, runID)
	}
	return id, nil
}

func (s *PostgresStore) CompleteStage(ctx context.Context, stageID string, output, errCount int, details []model.ErrorDetail) error {
	details = capDetails(details)
	if details == nil {
		details = []model.ErrorDetail{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal error details")
	}

	var n int64
	err = s.opts.write(ctx, "complete_stage", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, preparedStatements["complete_stage"],
			time.Now().UTC(), output, errCount, detailsJSON, stageID,
		)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage %s", stageID)
	}
	if n == 0 {
		return s.closedOrMissing(ctx, "stage_metrics", stageID, ErrStageClosed)
	}
	return nil
}

func (s *PostgresStore) ListStages(ctx context.Context, runID string) ([]model.StageMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, started_at, completed_at, input_count, output_count, error_count, error_details
		 FROM stage_metrics WHERE run_id = $1 ORDER BY started_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stages")
	}
	defer rows.Close()

	var stages []model.StageMetric
	for rows.Next() {
		var m model.StageMetric
		var detailsJSON []byte
		if err := rows.Scan(&m.ID, &m.RunID, &m.Stage, &m.StartedAt, &m.CompletedAt,
			&m.InputCount, &m.OutputCount, &m.ErrorCount, &detailsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &m.ErrorDetails); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal error details")
			}
		}
		stages = append(stages, m)
	}
	return stages, eris.Wrap(rows.Err(), "postgres: list stages iterate")
}

// --- Error log ---

func (s *PostgresStore) LogError(ctx context.Context, runID, stage string, errType model.ErrorType, msg string, errCtx map[string]any) error {
	if errCtx == nil {
		errCtx = map[string]any{}
	}
	ctxJSON, err := json.Marshal(errCtx)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal error context")
	}
	err = s.opts.write(ctx, "log_error", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, preparedStatements["insert_error"],
			newID(), runID, stage, string(errType), msg, ctxJSON, time.Now().UTC(),
		)
		return err
	})
	return eris.Wrapf(err, "postgres: log error for run %s", runID)
}

func (s *PostgresStore) ListErrors(ctx context.Context, runID string) ([]model.ErrorLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, error_type, message, context, created_at
		 FROM error_logs WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list errors")
	}
	defer rows.Close()

	var entries []model.ErrorLogEntry
	for rows.Next() {
		var e model.ErrorLogEntry
		var ctxJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.ErrorType, &e.Message, &ctxJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan error log")
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal error context")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list errors iterate")
}

// --- Leads ---

var pgInsertLead = func() string {
	ph := make([]string, len(leadColumns))
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return `INSERT INTO leads (` + strings.Join(leadColumns, ", ") + `) VALUES (` + strings.Join(ph, ", ") + `)`
}()

var pgSelectLeads = `SELECT ` + strings.Join(leadColumns, ", ") + ` FROM leads`

func (s *PostgresStore) AddLead(ctx context.Context, runID string, lead *model.Lead) (string, error) {
	prepareLead(runID, lead, time.Now().UTC())
	err := s.opts.write(ctx, "add_lead", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, pgInsertLead, leadValues(lead)...)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert lead for run %s", runID)
	}
	return lead.ID, nil
}

// AddLeads bulk-inserts leads through the COPY protocol.
func (s *PostgresStore) AddLeads(ctx context.Context, runID string, leads []*model.Lead) ([]string, error) {
	if len(leads) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	ids := make([]string, len(leads))
	rows := make([][]any, len(leads))
	for i, l := range leads {
		prepareLead(runID, l, now)
		ids[i] = l.ID
		rows[i] = leadValues(l)
	}

	err := s.opts.write(ctx, "add_leads", func(ctx context.Context) error {
		_, err := db.CopyFrom(ctx, s.pool, "leads", leadColumns, rows)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert %d leads for run %s", len(leads), runID)
	}
	return ids, nil
}

func (s *PostgresStore) UpdateLead(ctx context.Context, id string, patch model.LeadPatch) error {
	cols, args := patchAssignments(patch)
	cols = append(cols, "updated_at")
	args = append(args, time.Now().UTC(), id)

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	query := fmt.Sprintf(`UPDATE leads SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(cols)+1)

	var n int64
	err := s.opts.write(ctx, "update_lead", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, args...)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead %s", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: lead %s", id)
	}
	return nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx, preparedStatements["get_lead"], id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: lead %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	return l, nil
}

func (s *PostgresStore) LeadsByStatus(ctx context.Context, runID string, status model.LeadStatus) ([]model.Lead, error) {
	query := pgSelectLeads + ` WHERE status = $1`
	args := []any{string(status)}
	if runID != "" {
		query += ` AND run_id = $2`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at`
	return s.queryLeads(ctx, "leads by status", query, args...)
}

func (s *PostgresStore) CountPushAttempt(ctx context.Context, id string, channel model.Channel) (int, error) {
	col := attemptsColumn(channel)
	query := `UPDATE leads SET ` + col + ` = ` + col + ` + 1, updated_at = $1 WHERE id = $2 RETURNING ` + col

	var n int
	err := s.opts.write(ctx, "count_push_attempt", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, time.Now().UTC(), id).Scan(&n)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "postgres: lead %s", id)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count push attempt for lead %s", id)
	}
	return n, nil
}

func (s *PostgresStore) UnpushedLeads(ctx context.Context, channel model.Channel, maxAttempts int) ([]model.Lead, error) {
	query := pgSelectLeads + ` WHERE ` + unpushedCondition(channel)
	var args []any
	if maxAttempts > 0 {
		query += ` AND ` + attemptsColumn(channel) + ` < $1`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY created_at`
	return s.queryLeads(ctx, "unpushed leads", query, args...)
}

func (s *PostgresStore) LeadCounts(ctx context.Context, runID string) (map[model.LeadStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM leads`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = $1`
		args = append(args, runID)
	}
	query += ` GROUP BY status`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lead counts")
	}
	defer rows.Close()

	counts := make(map[model.LeadStatus]int)
	for rows.Next() {
		var status model.LeadStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead count")
		}
		counts[status] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: lead counts iterate")
}

func (s *PostgresStore) LeadTotals(ctx context.Context, maxAttempts int) (*LeadTotals, error) {
	emailCond := unpushedCondition(model.ChannelEmail)
	networkCond := unpushedCondition(model.ChannelNetwork)
	var args []any
	if maxAttempts > 0 {
		emailCond += ` AND email_attempts < $1`
		networkCond += ` AND network_attempts < $1`
		args = append(args, maxAttempts)
	}

	query := `SELECT
		(SELECT COUNT(*) FROM leads),
		(SELECT COUNT(*) FROM pipeline_runs),
		(SELECT COUNT(*) FROM leads WHERE ` + emailCond + `),
		(SELECT COUNT(*) FROM leads WHERE ` + networkCond + `)`

	var t LeadTotals
	err := s.pool.QueryRow(ctx, query, args...).Scan(&t.TotalLeads, &t.TotalRuns, &t.EmailBacklog, &t.NetworkBacklog)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lead totals")
	}
	if t.TotalRuns > 0 {
		t.AvgLeadsPerRun = float64(t.TotalLeads) / float64(t.TotalRuns)
	}
	return &t, nil
}

func (s *PostgresStore) queryLeads(ctx context.Context, op, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) closedOrMissing(ctx context.Context, table, id string, closed error) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "postgres: lookup %s", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "postgres: %s", id)
	}
	return eris.Wrapf(closed, "postgres: %s", id)
}

func scanPostgresRun(row scannable) (*model.Run, error) {
	var r model.Run
	var configJSON []byte

	err := row.Scan(&r.ID, &configJSON, &r.Status, &r.ErrorMessage, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &r.Config); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run config")
		}
	}
	return &r, nil
}
