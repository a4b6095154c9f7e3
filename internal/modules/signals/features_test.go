package signals

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileFeatureSource_ReturnsOnlyRequestedSymbols(t *testing.T) {
	dir := t.TempDir()
	contents := `{"AAPL":{"momentum":1.1},"MSFT":{"momentum":0.9},"TSLA":{"momentum":2.0}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-07-31.json"), []byte(contents), 0o644))

	source := NewFileFeatureSource(dir)
	features, err := source.Features(context.Background(), []string{"AAPL", "MSFT"}, "2026-07-31")
	require.NoError(t, err)

	assert.Len(t, features, 2)
	assert.Contains(t, features, "AAPL")
	assert.Contains(t, features, "MSFT")
	assert.NotContains(t, features, "TSLA")
}

func TestFileFeatureSource_ErrorsOnMissingSnapshot(t *testing.T) {
	source := NewFileFeatureSource(t.TempDir())
	_, err := source.Features(context.Background(), []string{"AAPL"}, "2026-01-01")
	assert.Error(t, err)
}
