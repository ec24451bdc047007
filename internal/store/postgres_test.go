package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// fastLockRetry keeps the production attempt count with millisecond waits.
var fastLockRetry = resilience.RetryConfig{
	MaxAttempts:    6,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     10 * time.Millisecond,
	Multiplier:     2.0,
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, opts: buildOptions([]Option{WithLockRetry(fastLockRetry)})}
	return s, mock
}

func lockErr() error {
	return &pgconn.PgError{Code: "55P03", Message: "could not obtain lock on row"}
}

func TestPostgresStore_UpdateLead_LockRetrySucceeds(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	for i := 0; i < 4; i++ {
		mock.ExpectExec(`UPDATE leads SET network_status = \$1, updated_at = \$2 WHERE id = \$3`).
			WithArgs("pushed_prosp", pgxmock.AnyArg(), "lead-1").
			WillReturnError(lockErr())
	}
	mock.ExpectExec(`UPDATE leads SET network_status = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("pushed_prosp", pgxmock.AnyArg(), "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateLead(context.Background(), "lead-1", model.MarkPushed(model.ChannelNetwork))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLead_LockRetryExhausted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	for i := 0; i < 6; i++ {
		mock.ExpectExec(`UPDATE leads SET`).WillReturnError(lockErr())
	}

	err := s.UpdateLead(context.Background(), "lead-1", model.MarkPushed(model.ChannelEmail))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update lead lead-1")

	var pe *pgconn.PgError
	assert.True(t, errors.As(err, &pe))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountPushAttempt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE leads SET network_attempts = network_attempts \+ 1, updated_at = \$1 WHERE id = \$2 RETURNING network_attempts`).
		WithArgs(pgxmock.AnyArg(), "lead-1").
		WillReturnError(lockErr())
	mock.ExpectQuery(`UPDATE leads SET network_attempts = network_attempts \+ 1`).
		WithArgs(pgxmock.AnyArg(), "lead-1").
		WillReturnRows(pgxmock.NewRows([]string{"network_attempts"}).AddRow(3))

	n, err := s.CountPushAttempt(context.Background(), "lead-1", model.ChannelNetwork)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountPushAttempt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE leads SET email_attempts = email_attempts \+ 1`).
		WithArgs(pgxmock.AnyArg(), "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.CountPushAttempt(context.Background(), "missing", model.ChannelEmail)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NonLockErrorNotRetried(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO error_logs`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := s.LogError(context.Background(), "run-1", "search", model.ErrorTypeAPI, "boom", nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO pipeline_runs`).
		WithArgs(pgxmock.AnyArg(), []byte(`{"test_mode":true}`), "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), map[string]any{"test_mode": true})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, config, status, error_message, started_at, completed_at FROM pipeline_runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Now().UTC().Add(-time.Minute)
	completed := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "config", "status", "error_message", "started_at", "completed_at"}).
		AddRow("run-1", []byte(`{"test_mode":false}`), model.RunStatusCompleted, "", started, &completed)
	mock.ExpectQuery(`FROM pipeline_runs WHERE id = \$1`).WithArgs("run-1").WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, false, run.Config["test_mode"])
	require.NotNil(t, run.CompletedAt)
	assert.InDelta(t, time.Minute.Seconds(), run.Duration().Seconds(), 1)
}

func TestPostgresStore_CompleteStage_Closed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE stage_metrics SET completed_at`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM stage_metrics WHERE id = \$1\)`).
		WithArgs("stage-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.CompleteStage(context.Background(), "stage-1", 1, 0, nil)
	assert.ErrorIs(t, err, ErrStageClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pipeline_runs SET status`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM pipeline_runs WHERE id = \$1\)`).
		WithArgs("run-x").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.CompleteRun(context.Background(), "run-x", model.RunStatusCompleted, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddLeads_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"leads"}, leadColumns).WillReturnResult(2)

	leads := []*model.Lead{validatedLead("a"), validatedLead("b")}
	ids, err := s.AddLeads(context.Background(), "run-1", leads)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "run-1", leads[0].RunID)
	assert.Equal(t, model.PushPending, leads[1].NetworkStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UnpushedLeads_Query(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM leads WHERE status = 'validated' AND network_status <> 'pushed_prosp' AND linkedin_url <> '' AND network_attempts < \$1`).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows(leadColumns))

	leads, err := s.UnpushedLeads(context.Background(), model.ChannelNetwork, 5)
	require.NoError(t, err)
	assert.Empty(t, leads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LeadCounts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM leads WHERE run_id = \$1 GROUP BY status`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow(model.LeadStatusValidated, 3).
			AddRow(model.LeadStatusFailed, 1))

	counts, err := s.LeadCounts(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.LeadStatusValidated])
	assert.Equal(t, 1, counts[model.LeadStatusFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
