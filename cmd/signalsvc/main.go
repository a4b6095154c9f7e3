// Command signalsvc runs the Model Registry & Signal Service (§4.1):
// hot-reloading the active model per strategy and computing target
// weights for a symbol universe on demand.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/execplane/internal/config"
	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/httpserver"
	"github.com/aristath/execplane/internal/modules/signals"
	"github.com/aristath/execplane/internal/modules/signals/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/execplane/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true, Service: "signalsvc"})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting signal service")

	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, Service: "signalsvc"})

	db, err := database.New(database.Config{Path: cfg.DurableStoreDSN, Profile: database.ProfileStandard, Name: "signals"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable store")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	modelRepo := signals.NewRepository(db.Conn())
	loader := signals.NewFileModelLoader()
	registry := signals.NewRegistry(modelRepo, loader, cfg.StrategyID, cfg.ModelReloadInterval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.Start(ctx)
	defer registry.Stop()

	features := signals.NewFileFeatureSource(cfg.FeatureDir)
	svc := signals.NewService(registry, features, cfg.MinSignalUniverse, cfg.SignalTopBottomN, log)

	h := handlers.New(svc, registry, log)
	srv := httpserver.New(cfg.Port, log, func(r chi.Router) {
		h.Routes(r)
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("signal service started")

	waitForShutdown(log, srv)
}

func waitForShutdown(log zerolog.Logger, srv *httpserver.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down signal service")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
