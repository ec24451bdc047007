package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY,
	config        TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'running',
	error_message TEXT NOT NULL DEFAULT '',
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME
);

CREATE TABLE IF NOT EXISTS stage_metrics (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES pipeline_runs(id),
	stage         TEXT NOT NULL,
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME,
	input_count   INTEGER NOT NULL DEFAULT 0,
	output_count  INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	error_details TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS error_logs (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	stage      TEXT NOT NULL,
	error_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	context    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY,
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
	email_verified    BOOLEAN NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'created',
	failure_reason    TEXT NOT NULL DEFAULT '',
	email_status      TEXT NOT NULL DEFAULT 'pending',
	network_status    TEXT NOT NULL DEFAULT 'pending',
	email_attempts    INTEGER NOT NULL DEFAULT 0,
	network_attempts  INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_stage_metrics_run_id ON stage_metrics(run_id);
CREATE INDEX IF NOT EXISTS idx_error_logs_run_id ON error_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_leads_run_status ON leads(run_id, status);
CREATE INDEX IF NOT EXISTS idx_leads_status_network ON leads(status, network_status);
CREATE INDEX IF NOT EXISTS idx_leads_status_email ON leads(status, email_status);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, config map[string]any) (*model.Run, error) {
	if config == nil {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal run config")
	}

	run := &model.Run{
		ID:        newID(),
		Config:    config,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	err = s.opts.write(ctx, "create_run", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pipeline_runs (id, config, status, started_at) VALUES (?, ?, ?, ?)`,
			run.ID, string(configJSON), string(run.Status), run.StartedAt,
		)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	var n int64
	err := s.opts.write(ctx, "complete_run", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ?, error_message = ?, completed_at = ?
			 WHERE id = ? AND completed_at IS NULL`,
			string(status), errMsg, time.Now().UTC(), runID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	if n == 0 {
		return s.closedOrMissing(ctx, "pipeline_runs", runID, ErrRunFinalized)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, config, status, error_message, started_at, completed_at FROM pipeline_runs WHERE id = ?`,
		runID,
	)
	return scanSQLiteRun(row)
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, config, status, error_message, started_at, completed_at FROM pipeline_runs
		 ORDER BY started_at DESC LIMIT 1`,
	)
	return scanSQLiteRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, config, status, error_message, started_at, completed_at FROM pipeline_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.StartedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Stages ---

func (s *SQLiteStore) StartStage(ctx context.Context, runID string, stage model.StageName, input int) (string, error) {
	id := newID()
	err := s.opts.write(ctx, "start_stage", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO stage_metrics (id, run_id, stage, started_at, input_count) VALUES (?, ?, ?, ?, ?)`,
			id, runID, string(stage), time.Now().UTC(), input,
		)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start stage %s for run %s", stage, runID)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, stageID string, output, errCount int, details []model.ErrorDetail) error {
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal error details")
	}

	var n int64
	err = s.opts.write(ctx, "complete_stage", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE stage_metrics SET completed_at = ?, output_count = ?, error_count = ?, error_details = ?
			 WHERE id = ? AND completed_at IS NULL`,
			time.Now().UTC(), output, errCount, detailsJSON, stageID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete stage %s", stageID)
	}
	if n == 0 {
		return s.closedOrMissing(ctx, "stage_metrics", stageID, ErrStageClosed)
	}
	return nil
}

func (s *SQLiteStore) ListStages(ctx context.Context, runID string) ([]model.StageMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, started_at, completed_at, input_count, output_count, error_count, error_details
		 FROM stage_metrics WHERE run_id = ? ORDER BY started_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stages")
	}
	defer rows.Close() //nolint:errcheck

	var stages []model.StageMetric
	for rows.Next() {
		var m model.StageMetric
		var completed sql.NullTime
		var detailsJSON string
		if err := rows.Scan(&m.ID, &m.RunID, &m.Stage, &m.StartedAt, &completed,
			&m.InputCount, &m.OutputCount, &m.ErrorCount, &detailsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		if completed.Valid {
			m.CompletedAt = &completed.Time
		}
		if err := json.Unmarshal([]byte(detailsJSON), &m.ErrorDetails); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal error details")
		}
		stages = append(stages, m)
	}
	return stages, eris.Wrap(rows.Err(), "sqlite: list stages iterate")
}

// --- Error log ---

func (s *SQLiteStore) LogError(ctx context.Context, runID, stage string, errType model.ErrorType, msg string, errCtx map[string]any) error {
	ctxJSON, err := marshalContext(errCtx)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal error context")
	}
	err = s.opts.write(ctx, "log_error", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO error_logs (id, run_id, stage, error_type, message, context, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newID(), runID, stage, string(errType), msg, ctxJSON, time.Now().UTC(),
		)
		return err
	})
	return eris.Wrapf(err, "sqlite: log error for run %s", runID)
}

func (s *SQLiteStore) ListErrors(ctx context.Context, runID string) ([]model.ErrorLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, error_type, message, context, created_at
		 FROM error_logs WHERE run_id = ? ORDER BY created_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list errors")
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.ErrorLogEntry
	for rows.Next() {
		var e model.ErrorLogEntry
		var ctxJSON string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.ErrorType, &e.Message, &ctxJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan error log")
		}
		if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal error context")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list errors iterate")
}

// --- Leads ---

var sqliteInsertLead = `INSERT INTO leads (` + strings.Join(leadColumns, ", ") + `) VALUES (` +
	strings.TrimSuffix(strings.Repeat("?, ", len(leadColumns)), ", ") + `)`

var sqliteSelectLeads = `SELECT ` + strings.Join(leadColumns, ", ") + ` FROM leads`

func (s *SQLiteStore) AddLead(ctx context.Context, runID string, lead *model.Lead) (string, error) {
	prepareLead(runID, lead, time.Now().UTC())
	err := s.opts.write(ctx, "add_lead", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, sqliteInsertLead, leadValues(lead)...)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert lead for run %s", runID)
	}
	return lead.ID, nil
}

// AddLeads inserts all leads in one transaction.
func (s *SQLiteStore) AddLeads(ctx context.Context, runID string, leads []*model.Lead) ([]string, error) {
	if len(leads) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	ids := make([]string, len(leads))
	for i, l := range leads {
		prepareLead(runID, l, now)
		ids[i] = l.ID
	}

	err := s.opts.write(ctx, "add_leads", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.PrepareContext(ctx, sqliteInsertLead)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for _, l := range leads {
			if _, err := stmt.ExecContext(ctx, leadValues(l)...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert %d leads for run %s", len(leads), runID)
	}
	return ids, nil
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, id string, patch model.LeadPatch) error {
	cols, args := patchAssignments(patch)
	cols = append(cols, "updated_at")
	args = append(args, time.Now().UTC(), id)

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	query := `UPDATE leads SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	var n int64
	err := s.opts.write(ctx, "update_lead", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead %s", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: lead %s", id)
	}
	return nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, sqliteSelectLeads+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: lead %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	return l, nil
}

func (s *SQLiteStore) LeadsByStatus(ctx context.Context, runID string, status model.LeadStatus) ([]model.Lead, error) {
	query := sqliteSelectLeads + ` WHERE status = ?`
	args := []any{string(status)}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at, rowid`
	return s.queryLeads(ctx, "leads by status", query, args...)
}

func (s *SQLiteStore) CountPushAttempt(ctx context.Context, id string, channel model.Channel) (int, error) {
	col := attemptsColumn(channel)
	query := `UPDATE leads SET ` + col + ` = ` + col + ` + 1, updated_at = ? WHERE id = ? RETURNING ` + col

	var n int
	err := s.opts.write(ctx, "count_push_attempt", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query, time.Now().UTC(), id).Scan(&n)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "sqlite: lead %s", id)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count push attempt for lead %s", id)
	}
	return n, nil
}

func (s *SQLiteStore) UnpushedLeads(ctx context.Context, channel model.Channel, maxAttempts int) ([]model.Lead, error) {
	query := sqliteSelectLeads + ` WHERE ` + unpushedCondition(channel)
	var args []any
	if maxAttempts > 0 {
		query += ` AND ` + attemptsColumn(channel) + ` < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY created_at, rowid`
	return s.queryLeads(ctx, "unpushed leads", query, args...)
}

func (s *SQLiteStore) LeadCounts(ctx context.Context, runID string) (map[model.LeadStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM leads`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lead counts")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.LeadStatus]int)
	for rows.Next() {
		var status model.LeadStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead count")
		}
		counts[status] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: lead counts iterate")
}

func (s *SQLiteStore) LeadTotals(ctx context.Context, maxAttempts int) (*LeadTotals, error) {
	var t LeadTotals
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`).Scan(&t.TotalLeads); err != nil {
		return nil, eris.Wrap(err, "sqlite: count leads")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs`).Scan(&t.TotalRuns); err != nil {
		return nil, eris.Wrap(err, "sqlite: count runs")
	}
	if t.TotalRuns > 0 {
		t.AvgLeadsPerRun = float64(t.TotalLeads) / float64(t.TotalRuns)
	}

	for _, c := range []model.Channel{model.ChannelEmail, model.ChannelNetwork} {
		query := `SELECT COUNT(*) FROM leads WHERE ` + unpushedCondition(c)
		var args []any
		if maxAttempts > 0 {
			query += ` AND ` + attemptsColumn(c) + ` < ?`
			args = append(args, maxAttempts)
		}
		var n int
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "sqlite: count %s backlog", c)
		}
		if c == model.ChannelEmail {
			t.EmailBacklog = n
		} else {
			t.NetworkBacklog = n
		}
	}
	return &t, nil
}

func (s *SQLiteStore) queryLeads(ctx context.Context, op, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

// closedOrMissing distinguishes a conditional update that matched nothing
// because the row is already closed from one whose row does not exist.
func (s *SQLiteStore) closedOrMissing(ctx context.Context, table, id string, closed error) error {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return eris.Wrapf(err, "sqlite: lookup %s", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s", id)
	}
	return eris.Wrapf(closed, "sqlite: %s", id)
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var configJSON string
	var completed sql.NullTime

	err := row.Scan(&r.ID, &configJSON, &r.Status, &r.ErrorMessage, &r.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "sqlite: run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	if err := json.Unmarshal([]byte(configJSON), &r.Config); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run config")
	}
	return &r, nil
}

func marshalDetails(details []model.ErrorDetail) (string, error) {
	details = capDetails(details)
	if details == nil {
		details = []model.ErrorDetail{}
	}
	b, err := json.Marshal(details)
	return string(b), err
}

func marshalContext(c map[string]any) (string, error) {
	if c == nil {
		c = map[string]any{}
	}
	b, err := json.Marshal(c)
	return string(b), err
}
