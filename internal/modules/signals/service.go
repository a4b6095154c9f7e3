package signals

import (
	"context"
	"time"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/rs/zerolog"
)

// FeatureSource fetches per-symbol features as of a date from whatever
// upstream data store backs the strategy (§4.1 step 1, "external feature
// source").
type FeatureSource interface {
	Features(ctx context.Context, symbols []string, asOfDate string) (map[string]map[string]float64, error)
}

// GenerateResult is the full response to a signal-generation request.
type GenerateResult struct {
	Signals      []Signal
	ModelVersion string
	GeneratedAt  time.Time
	Warning      string
}

// Service orchestrates feature retrieval, the hot-loaded model, and
// scoring into target weights.
type Service struct {
	registry  *Registry
	features  FeatureSource
	minSymbols int
	topBottomN int
	log       zerolog.Logger
}

// NewService builds the signal-generation service. minSymbols is the
// minimum number of symbols with features required to produce a
// non-empty result (§4.1 step 2); topBottomN is the N used for top/bottom
// selection.
func NewService(registry *Registry, features FeatureSource, minSymbols, topBottomN int, log zerolog.Logger) *Service {
	return &Service{
		registry:   registry,
		features:   features,
		minSymbols: minSymbols,
		topBottomN: topBottomN,
		log:        log.With().Str("component", "signal_service").Logger(),
	}
}

// Generate produces target weights for symbols as of asOfDate, per the
// §4.1 signal-generation algorithm.
func (s *Service) Generate(ctx context.Context, symbols []string, asOfDate string) (*GenerateResult, error) {
	if len(symbols) == 0 {
		return &GenerateResult{GeneratedAt: time.Now().UTC(), Warning: "empty symbol universe"}, nil
	}

	model, meta, err := s.registry.Current()
	if err != nil {
		return nil, err
	}

	features, err := s.features.Features(ctx, symbols, asOfDate)
	if err != nil {
		return nil, apierr.NewStorageError(true, err)
	}
	if len(features) < s.minSymbols {
		return &GenerateResult{
			ModelVersion: meta.Version,
			GeneratedAt:  time.Now().UTC(),
			Warning:      "insufficient symbols with features",
		}, nil
	}

	raw := model.Predict(features)
	normalized := make(map[string]float64, len(raw))
	symbolOrder := make([]string, 0, len(raw))
	values := make([]float64, 0, len(raw))
	for sym, v := range raw {
		symbolOrder = append(symbolOrder, sym)
		values = append(values, v)
	}
	bounded := normalize(values)
	for i, sym := range symbolOrder {
		normalized[sym] = bounded[i]
	}

	signals, err := Score(normalized, s.topBottomN)
	if err != nil {
		return nil, err
	}

	return &GenerateResult{
		Signals:      signals,
		ModelVersion: meta.Version,
		GeneratedAt:  time.Now().UTC(),
	}, nil
}
