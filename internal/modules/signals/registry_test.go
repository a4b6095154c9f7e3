package signals

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct{ tag string }

func (m *stubModel) Predict(features map[string]map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(features))
	for sym := range features {
		out[sym] = 1.0
	}
	return out
}

type stubLoader struct {
	loadCount int
	failNext  bool
}

func (l *stubLoader) Load(ctx context.Context, modelPath string) (Model, error) {
	l.loadCount++
	if l.failNext {
		l.failNext = false
		return nil, fmt.Errorf("artifact unreachable")
	}
	return &stubModel{tag: modelPath}, nil
}

func TestRegistry_CurrentFailsWhenNothingLoaded(t *testing.T) {
	repo := NewRepository(newTestDB(t).Conn())
	reg := NewRegistry(repo, &stubLoader{}, "momentum", time.Hour, zerolog.Nop())

	_, _, err := reg.Current()
	require.Error(t, err)
	var notLoaded *apierr.ModelNotLoadedError
	assert.ErrorAs(t, err, &notLoaded)
}

func TestRegistry_StartLoadsActiveModelOnce(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db.Conn())
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, domain.ModelMetadata{StrategyID: "momentum", Version: "v1", Status: domain.ModelStatusActive, ModelPath: "s3://models/v1", PerformanceMetrics: "{}"}))

	loader := &stubLoader{}
	reg := NewRegistry(repo, loader, "momentum", time.Hour, zerolog.Nop())
	reg.Start(ctx)
	defer reg.Stop()

	_, meta, err := reg.Current()
	require.NoError(t, err)
	assert.Equal(t, "v1", meta.Version)
	assert.Equal(t, 1, loader.loadCount)
}

func TestRegistry_ReloadSwapsOnFingerprintChange(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db.Conn())
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, domain.ModelMetadata{StrategyID: "momentum", Version: "v1", Status: domain.ModelStatusActive, ModelPath: "s3://models/v1", PerformanceMetrics: "{}"}))
	require.NoError(t, repo.Create(ctx, domain.ModelMetadata{StrategyID: "momentum", Version: "v2", Status: domain.ModelStatusStaging, ModelPath: "s3://models/v2", PerformanceMetrics: "{}"}))

	loader := &stubLoader{}
	reg := NewRegistry(repo, loader, "momentum", time.Hour, zerolog.Nop())
	reg.Start(ctx)
	defer reg.Stop()

	reloaded, _, current, err := reg.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, reloaded)
	assert.Equal(t, "v1", current)

	require.NoError(t, repo.Activate(ctx, "momentum", "v2"))
	reloaded, previous, current, err := reg.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.Equal(t, "v1", previous)
	assert.Equal(t, "v2", current)
}

func TestRegistry_LoadFailureKeepsPreviousModelActive(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db.Conn())
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, domain.ModelMetadata{StrategyID: "momentum", Version: "v1", Status: domain.ModelStatusActive, ModelPath: "s3://models/v1", PerformanceMetrics: "{}"}))
	require.NoError(t, repo.Create(ctx, domain.ModelMetadata{StrategyID: "momentum", Version: "v2", Status: domain.ModelStatusStaging, ModelPath: "s3://models/v2", PerformanceMetrics: "{}"}))

	loader := &stubLoader{}
	reg := NewRegistry(repo, loader, "momentum", time.Hour, zerolog.Nop())
	reg.Start(ctx)
	defer reg.Stop()

	require.NoError(t, repo.Activate(ctx, "momentum", "v2"))
	loader.failNext = true
	_, _, _, err := reg.Reload(ctx)
	require.Error(t, err)

	_, meta, err := reg.Current()
	require.NoError(t, err)
	assert.Equal(t, "v1", meta.Version)
	assert.Equal(t, int64(1), reg.ReloadFailures())
}
