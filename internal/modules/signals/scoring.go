package signals

import (
	"math"
	"sort"

	"github.com/aristath/execplane/internal/common/apierr"
	"gonum.org/v1/gonum/stat"
)

// Signal is one symbol's scored output (§4.1 response shape).
type Signal struct {
	Symbol          string
	PredictedReturn float64
	Rank            int
	TargetWeight    float64
}

// Score implements the signal-generation algorithm from §4.1 steps 4-6:
// rank with ties, select top-N long / bottom-N short, assign equal
// weight. predictions must already be filtered to symbols with
// sufficient features (step 2) and normalized (step 3, see normalize);
// both are the caller's job.
//
// n is both the long and short book size; 2n > len(predictions) is a
// validation error (scenario: boundary behavior §8).
func Score(predictions map[string]float64, n int) ([]Signal, error) {
	universe := len(predictions)
	if 2*n > universe {
		return nil, apierr.NewValidationError("top-N/bottom-N of %d exceeds universe of %d", n, universe)
	}
	if universe == 0 {
		return nil, nil
	}

	symbols := make([]string, 0, universe)
	raw := make([]float64, 0, universe)
	for sym, v := range predictions {
		symbols = append(symbols, sym)
		raw = append(raw, v)
	}

	// Order deterministically: descending prediction, ties broken
	// lexicographically by symbol. This single order drives both rank
	// assignment and top/bottom selection (scenario 2: rank-tie behavior).
	order := make([]int, universe)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if raw[a] != raw[b] {
			return raw[a] > raw[b]
		}
		return symbols[a] < symbols[b]
	})

	degenerate := isDegenerate(raw)

	signals := make([]Signal, universe)
	rank := 0
	for i, idx := range order {
		if i == 0 || raw[order[i]] != raw[order[i-1]] {
			rank++
		}
		signals[i] = Signal{Symbol: symbols[idx], PredictedReturn: raw[idx], Rank: rank}
	}

	if !degenerate && n > 0 {
		weight := 1.0 / float64(n)
		for i := 0; i < n; i++ {
			signals[i].TargetWeight = weight
		}
		for i := universe - n; i < universe; i++ {
			signals[i].TargetWeight = -weight
		}
	}

	return signals, nil
}

// isDegenerate reports whether predictions carry no signal (zero
// variance), in which case all target weights must be zero (§8 boundary
// behavior: all-zero predictions => all-zero target weights).
func isDegenerate(raw []float64) bool {
	if len(raw) < 2 {
		return true
	}
	_, std := stat.MeanStdDev(raw, nil)
	return std == 0 || math.IsNaN(std)
}

// normalize z-normalizes and bounds raw predictions via tanh, per §4.1
// step 3 ("z-normalize and scale so results are bounded"). Kept
// separate from Score: Service.Generate normalizes first and passes the
// bounded values to Score, so ranking, selection and the response's
// predicted_return all use the normalized values.
func normalize(raw []float64) []float64 {
	if isDegenerate(raw) {
		out := make([]float64, len(raw))
		return out
	}
	mean, std := stat.MeanStdDev(raw, nil)
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = math.Tanh((v - mean) / std)
	}
	return out
}
