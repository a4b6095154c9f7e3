// Command riskmgr runs the Risk Manager (§4.2): pre-trade checks
// against the blacklist, per-symbol cap, total notional cap, daily-loss
// kill switch, and the circuit breaker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/config"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/httpserver"
	"github.com/aristath/execplane/internal/modules/risk"
	"github.com/aristath/execplane/internal/modules/risk/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/execplane/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true, Service: "riskmgr"})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting risk manager")

	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, Service: "riskmgr"})

	db, err := database.New(database.Config{Path: cfg.DurableStoreDSN, Profile: database.ProfileStandard, Name: "risk"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable store")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	store, err := coordstore.New(cfg.CoordinationStoreURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to coordination store")
	}

	cb := circuitbreaker.New(store, cfg.CBQuietPeriod, cfg.CBStalenessThreshold)
	riskRepo := risk.NewRepository(db.Conn())
	planner := risk.NewPlanner(riskRepo, cb, log)

	h := handlers.New(planner, log)
	srv := httpserver.New(cfg.Port, log, func(r chi.Router) {
		r.Get("/health", healthHandler(cb))
		h.Routes(r)
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("risk manager started")

	waitForShutdown(log, srv)
}

// healthHandler reports liveness plus whether this process's circuit
// breaker view has gone stale (§4.4 Staleness metric): every call
// refreshes the staleness clock via Healthcheck, so polling /health is
// itself the "succeeding worker" that resets it.
func healthHandler(cb *circuitbreaker.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stale := cb.Stale()
		if err := cb.Healthcheck(r.Context()); err != nil {
			stale = true
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(fmt.Sprintf(`{"status":"ok","cb_stale":%t}`, stale)))
	}
}

func waitForShutdown(log zerolog.Logger, srv *httpserver.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down risk manager")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
