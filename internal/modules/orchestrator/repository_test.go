package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: "file::memory:?cache=shared", Profile: database.ProfileStandard, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRun(runID string) domain.RunRecord {
	return domain.RunRecord{RunID: runID, Date: "2026-07-31", StrategyID: "momentum", Trigger: "scheduled", StartedAt: time.Now().UTC()}
}

func TestInsertIfAbsent_FirstCallInserts(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()

	run, inserted, err := repo.InsertIfAbsent(ctx, testRun("run-1"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "run-1", run.RunID)
	assert.Empty(t, run.Stages)
}

func TestInsertIfAbsent_SecondCallIsNoOp(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()

	_, inserted1, err := repo.InsertIfAbsent(ctx, testRun("run-1"))
	require.NoError(t, err)
	require.True(t, inserted1)

	existing, inserted2, err := repo.InsertIfAbsent(ctx, testRun("run-1"))
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, "run-1", existing.RunID)
}

func TestGetByRunID_ReturnsNilWhenAbsent(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	run, err := repo.GetByRunID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestUpdateStage_AppendsThenReplaces(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()
	_, _, err := repo.InsertIfAbsent(ctx, testRun("run-1"))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateStage(ctx, "run-1", domain.StageOutcome{Stage: "health_check", Status: "ok"}))
	run, err := repo.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run.Stages, 1)
	assert.Equal(t, "ok", run.Stages[0].Status)

	require.NoError(t, repo.UpdateStage(ctx, "run-1", domain.StageOutcome{Stage: "signal_generation", Status: "ok"}))
	require.NoError(t, repo.UpdateStage(ctx, "run-1", domain.StageOutcome{Stage: "health_check", Status: "failed", Detail: "retried and gave up"}))

	run, err = repo.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, run.Stages, 2)
	assert.Equal(t, "failed", run.Stages[0].Status)
	assert.Equal(t, "retried and gave up", run.Stages[0].Detail)
	assert.Equal(t, "ok", run.Stages[1].Status)
}

func TestUpdateStage_UnknownRunIDErrors(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	err := repo.UpdateStage(context.Background(), "nonexistent", domain.StageOutcome{Stage: "health_check", Status: "ok"})
	assert.Error(t, err)
}

func TestComplete_SetsTerminalOutcomeAndReport(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()
	_, _, err := repo.InsertIfAbsent(ctx, testRun("run-1"))
	require.NoError(t, err)

	require.NoError(t, repo.Complete(ctx, "run-1", domain.RunOutcomeSuccess, `{"total_notional":"100"}`))

	run, err := repo.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunOutcomeSuccess, run.Outcome)
	assert.Equal(t, `{"total_notional":"100"}`, run.Report)
	assert.NotNil(t, run.EndedAt)
	assert.True(t, run.Outcome.IsTerminal())
}

func TestList_ReturnsNewestFirst(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()

	older := testRun("run-older")
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	_, _, err := repo.InsertIfAbsent(ctx, older)
	require.NoError(t, err)

	newer := testRun("run-newer")
	_, _, err = repo.InsertIfAbsent(ctx, newer)
	require.NoError(t, err)

	runs, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-newer", runs[0].RunID)
	assert.Equal(t, "run-older", runs[1].RunID)
}
