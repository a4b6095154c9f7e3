package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileFeatureSource reads per-date feature snapshots from a local
// directory, one JSON file per as-of date: {dir}/{asOfDate}.json mapping
// symbol -> feature name -> value. A real deployment would point this at
// whatever market-data/feature pipeline produces the strategy's inputs;
// this control plane treats that pipeline as external and only consumes
// its output (§4.1 step 1 "external feature source").
type FileFeatureSource struct {
	dir string
}

// NewFileFeatureSource builds a FeatureSource rooted at dir.
func NewFileFeatureSource(dir string) *FileFeatureSource {
	return &FileFeatureSource{dir: dir}
}

func (f *FileFeatureSource) Features(ctx context.Context, symbols []string, asOfDate string) (map[string]map[string]float64, error) {
	path := filepath.Join(f.dir, asOfDate+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feature snapshot %s: %w", path, err)
	}

	var all map[string]map[string]float64
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decoding feature snapshot %s: %w", path, err)
	}

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}
	out := make(map[string]map[string]float64, len(symbols))
	for symbol, features := range all {
		if _, ok := wanted[symbol]; ok {
			out[symbol] = features
		}
	}
	return out, nil
}

var _ FeatureSource = (*FileFeatureSource)(nil)
