package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// linearModel is a per-feature weight vector shared across the whole
// symbol universe: predict(symbol) = bias + weights·features(symbol).
// Training produces heavier models elsewhere; this is the artifact shape
// the signal service actually consumes (§4.1 "opaque prediction
// artifact").
type linearModel struct {
	Weights map[string]float64 `json:"weights"`
	Bias    float64            `json:"bias"`
}

func (m *linearModel) Predict(features map[string]map[string]float64) map[string]float64 {
	names := make([]string, 0, len(m.Weights))
	weights := make([]float64, 0, len(m.Weights))
	for name, w := range m.Weights {
		names = append(names, name)
		weights = append(weights, w)
	}

	out := make(map[string]float64, len(features))
	for symbol, symbolFeatures := range features {
		values := make([]float64, len(names))
		for i, name := range names {
			values[i] = symbolFeatures[name]
		}
		out[symbol] = m.Bias + floats.Dot(weights, values)
	}
	return out
}

var _ Model = (*linearModel)(nil)

// FileModelLoader loads a linear model artifact from a local JSON file.
// model_path is a "file://" URI; anything else is rejected, since this
// control plane runs its models out of a single operator-managed
// directory rather than a remote artifact store (§4.1 Non-goals).
type FileModelLoader struct{}

// NewFileModelLoader builds a ModelLoader backed by the local filesystem.
func NewFileModelLoader() *FileModelLoader { return &FileModelLoader{} }

func (FileModelLoader) Load(ctx context.Context, modelPath string) (Model, error) {
	const scheme = "file://"
	if !strings.HasPrefix(modelPath, scheme) {
		return nil, fmt.Errorf("unsupported model_path scheme, want %q prefix: %s", scheme, modelPath)
	}
	path := strings.TrimPrefix(modelPath, scheme)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model artifact %s: %w", path, err)
	}

	var m linearModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding model artifact %s: %w", path, err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("model artifact %s has no weights", path)
	}
	return &m, nil
}

var _ ModelLoader = (*FileModelLoader)(nil)
