package signals

import (
	"context"
	"testing"

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

func TestGetActive_ReturnsNilWhenNoneActive(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	m, err := repo.GetActive(context.Background(), "momentum")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestActivate_SwapsActiveModelAtomically(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, domain.ModelMetadata{StrategyID: "momentum", Version: "v1", Status: domain.ModelStatusStaging, ModelPath: "s3://models/v1", PerformanceMetrics: "{}"}))
	require.NoError(t, repo.Create(ctx, domain.ModelMetadata{StrategyID: "momentum", Version: "v2", Status: domain.ModelStatusStaging, ModelPath: "s3://models/v2", PerformanceMetrics: "{}"}))

	require.NoError(t, repo.Activate(ctx, "momentum", "v1"))
	active, err := repo.GetActive(ctx, "momentum")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "v1", active.Version)

	require.NoError(t, repo.Activate(ctx, "momentum", "v2"))
	active, err = repo.GetActive(ctx, "momentum")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "v2", active.Version)
}

func TestActivate_UnknownVersionFails(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	err := repo.Activate(context.Background(), "momentum", "does-not-exist")
	assert.Error(t, err)
}
