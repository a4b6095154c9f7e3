package signals

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/scheduler"
	"github.com/rs/zerolog"
)

// Model is an opaque, loaded prediction artifact. Strategies differ only
// by artifact and hyperparameters (§9 "dynamic configuration"), never by
// code, so this is the only seam the signal service needs.
type Model interface {
	// Predict returns a raw, unnormalized prediction per symbol.
	Predict(features map[string]map[string]float64) map[string]float64
}

// ModelLoader loads a Model artifact from its storage URI.
type ModelLoader interface {
	Load(ctx context.Context, modelPath string) (Model, error)
}

// loadedModel is what Registry publishes atomically: the model handle
// paired with the metadata it was loaded from.
type loadedModel struct {
	model       Model
	metadata    domain.ModelMetadata
	fingerprint string
}

// Registry holds the currently active model per strategy and refreshes it
// on a background cadence (§4.1 "Algorithm (hot reload)"). Readers always
// see a fully-loaded, consistent handle: the swap is a single pointer
// write, never a partial update.
type Registry struct {
	repo   *Repository
	loader ModelLoader
	log    zerolog.Logger

	strategyID string
	current    atomic.Pointer[loadedModel]
	loop       *scheduler.Loop

	reloadFailures atomic.Int64
}

// NewRegistry builds a Registry for strategyID, polling repo every
// pollInterval via loader.
func NewRegistry(repo *Repository, loader ModelLoader, strategyID string, pollInterval time.Duration, log zerolog.Logger) *Registry {
	r := &Registry{
		repo:       repo,
		loader:     loader,
		strategyID: strategyID,
		log:        log.With().Str("component", "model_registry").Str("strategy_id", strategyID).Logger(),
	}
	r.loop = scheduler.New("model_registry_poll", pollInterval, r.poll, r.log)
	return r
}

// Start begins the background poll loop. It also performs one synchronous
// poll before returning, so a freshly-started process serves requests
// immediately instead of waiting for the first tick.
func (r *Registry) Start(ctx context.Context) {
	if err := r.poll(ctx); err != nil {
		r.log.Warn().Err(err).Msg("initial model load failed, service will retry on next poll")
	}
	r.loop.Start(ctx)
}

// Stop halts the background poll loop.
func (r *Registry) Stop() {
	r.loop.Stop()
}

// Reload forces an immediate poll, bypassing the cadence. It reports
// whether a swap occurred and the previous/current versions.
func (r *Registry) Reload(ctx context.Context) (reloaded bool, previous, current string, err error) {
	before := r.current.Load()
	if err := r.poll(ctx); err != nil {
		return false, "", "", err
	}
	after := r.current.Load()
	if after == nil {
		return false, "", "", nil
	}
	current = after.metadata.Version
	if before != nil {
		previous = before.metadata.Version
	}
	reloaded = before == nil || before.fingerprint != after.fingerprint
	return reloaded, previous, current, nil
}

// poll implements the three-step hot-reload algorithm: read active
// metadata, compute its fingerprint, and swap only if it changed.
func (r *Registry) poll(ctx context.Context) error {
	active, err := r.repo.GetActive(ctx, r.strategyID)
	if err != nil {
		r.log.Error().Err(err).Msg("registry poll failed reading active model")
		return err
	}
	if active == nil {
		r.log.Warn().Msg("no active model for strategy")
		return nil
	}

	fingerprint := active.Fingerprint()
	if existing := r.current.Load(); existing != nil && existing.fingerprint == fingerprint {
		return nil
	}

	model, err := r.loader.Load(ctx, active.ModelPath)
	if err != nil {
		r.reloadFailures.Add(1)
		r.log.Error().Err(err).Str("model_path", active.ModelPath).Msg("model load failed, keeping previous model active")
		return err
	}

	r.current.Store(&loadedModel{model: model, metadata: *active, fingerprint: fingerprint})
	r.log.Info().Str("version", active.Version).Str("fingerprint", fingerprint).Msg("model registry swapped to new version")
	return nil
}

// Current returns the loaded model and its metadata, or ModelNotLoaded if
// nothing has ever loaded successfully.
func (r *Registry) Current() (Model, *domain.ModelMetadata, error) {
	lm := r.current.Load()
	if lm == nil {
		return nil, nil, &apierr.ModelNotLoadedError{StrategyID: r.strategyID}
	}
	return lm.model, &lm.metadata, nil
}

// ReloadFailures reports the lifetime count of failed load attempts. No
// HTTP endpoint reports it; /health and model/info do not include it.
func (r *Registry) ReloadFailures() int64 {
	return r.reloadFailures.Load()
}
