package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedRun creates a run with the given final status and leads.
func seedRun(t *testing.T, st store.Store, status model.RunStatus, leads ...*model.Lead) string {
	t.Helper()
	ctx := context.Background()
	run, err := st.CreateRun(ctx, map[string]any{"test_mode": true})
	require.NoError(t, err)
	if len(leads) > 0 {
		_, err = st.AddLeads(ctx, run.ID, leads)
		require.NoError(t, err)
	}
	if status != model.RunStatusRunning {
		msg := ""
		if status == model.RunStatusFailed {
			msg = "no jobs found"
		}
		require.NoError(t, st.CompleteRun(ctx, run.ID, status, msg))
	}
	return run.ID
}

func validated(name string) *model.Lead {
	return &model.Lead{
		CompanyName: name,
		PersonName:  "Jane Doe",
		FirstName:   "Jane",
		LinkedInURL: "https://www.linkedin.com/in/" + name,
		Email:       "jane@" + name + ".com",
		Status:      model.LeadStatusValidated,
	}
}

func TestCollect(t *testing.T) {
	st := newTestStore(t)
	seedRun(t, st, model.RunStatusCompleted, validated("acme"), validated("globex"))
	seedRun(t, st, model.RunStatusCompleted, &model.Lead{CompanyName: "initech", Status: model.LeadStatusFailed})
	seedRun(t, st, model.RunStatusFailed)
	seedRun(t, st, model.RunStatusRunning)

	snap, err := NewCollector(st, 5).Collect(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.TotalRuns)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Running)
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 0.001)
	assert.InDelta(t, 1.0/3.0, snap.FailureRate, 0.001)
	assert.Equal(t, 3, snap.TotalLeads)
	assert.Equal(t, 2, snap.LeadsByStatus[model.LeadStatusValidated])
	assert.Equal(t, 1, snap.LeadsByStatus[model.LeadStatusFailed])
	assert.InDelta(t, 0.75, snap.AvgLeadsPerRun, 0.001)
	assert.Equal(t, 2, snap.EmailBacklog)
	assert.Equal(t, 2, snap.NetworkBacklog)
	assert.Equal(t, 24, snap.LookbackHours)
	require.NotNil(t, snap.LastCompletedAt)
}

func TestCollect_Empty(t *testing.T) {
	snap, err := NewCollector(newTestStore(t), 0).Collect(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Zero(t, snap.TotalRuns)
	assert.Zero(t, snap.SuccessRate)
	assert.Zero(t, snap.AvgLeadsPerRun)
	assert.Nil(t, snap.LastCompletedAt)
	assert.Empty(t, snap.LeadsByStatus)
}

func TestCollect_BacklogHonorsMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	tried := validated("acme")
	tried.NetworkAttempts = 3
	seedRun(t, st, model.RunStatusCompleted, tried, validated("globex"))

	snap, err := NewCollector(st, 3).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.NetworkBacklog, "lead at the attempt ceiling is abandoned")
	assert.Equal(t, 2, snap.EmailBacklog)

	snap, err = NewCollector(st, 0).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.NetworkBacklog)
}

func TestRunDetails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	runID := seedRun(t, st, model.RunStatusRunning, validated("acme"))

	stageID, err := st.StartStage(ctx, runID, model.StageValidate, 1)
	require.NoError(t, err)
	require.NoError(t, st.CompleteStage(ctx, stageID, 1, 0, nil))
	require.NoError(t, st.LogError(ctx, runID, string(model.StageValidate), model.ErrorTypeVerification, "bounce", nil))
	require.NoError(t, st.CompleteRun(ctx, runID, model.RunStatusCompleted, ""))

	c := NewCollector(st, 5)
	rep, err := c.RunDetails(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runID, rep.Run.ID)
	require.Len(t, rep.Stages, 1)
	assert.Equal(t, model.StageValidate, rep.Stages[0].Stage)
	assert.Equal(t, 1, rep.LeadCounts[model.LeadStatusValidated])
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, model.ErrorTypeVerification, rep.Errors[0].ErrorType)

	latest, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, runID, latest.Run.ID)
}

func TestRunDetails_NotFound(t *testing.T) {
	c := NewCollector(newTestStore(t), 5)

	_, err := c.RunDetails(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.Latest(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
