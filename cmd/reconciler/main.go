// Command reconciler runs the Reconciler (§4.5): diffing the durable
// store against the broker on a cadence, healing drift, and gating the
// other services' write traffic until the first pass succeeds.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/execplane/internal/audit"
	"github.com/aristath/execplane/internal/broker"
	"github.com/aristath/execplane/internal/config"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/events"
	"github.com/aristath/execplane/internal/httpserver"
	"github.com/aristath/execplane/internal/modules/execution"
	"github.com/aristath/execplane/internal/modules/reconciler"
	"github.com/aristath/execplane/internal/modules/reconciler/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/execplane/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true, Service: "reconciler"})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting reconciler")

	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, Service: "reconciler"})

	db, err := database.New(database.Config{Path: cfg.DurableStoreDSN, Profile: database.ProfileStandard, Name: "reconciler"})
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

	var brokerClient domain.BrokerClient
	if cfg.DryRun {
		brokerClient = broker.NewPaperClient(decimal.NewFromInt(100))
	} else {
		brokerClient = broker.NewHTTPClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerAPISecret)
	}

	execRepo := execution.NewRepository(db.Conn())
	snapshotRepo := reconciler.NewRepository(db.Conn())
	gate := coordstore.NewGate(store, "execution")
	auditRepo := audit.NewRepository(db.Conn(), log)
	eventMgr := events.NewManager(log)

	svc := reconciler.NewService(execRepo, brokerClient, snapshotRepo, gate, auditRepo, eventMgr,
		cfg.ReconcileGracePeriod, cfg.ReconcileStaleTTL, cfg.ReconcileSnapshotRetention,
		decimal.NewFromFloat(cfg.ReconcilePositionThreshold), cfg.ReconcileInterval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	h := handlers.New(svc, log)
	srv := httpserver.New(cfg.Port, log, func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		h.Routes(r)
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("reconciler started")

	waitForShutdown(log, srv)
}

func waitForShutdown(log zerolog.Logger, srv *httpserver.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down reconciler")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
