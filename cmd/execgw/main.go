// Command execgw runs the Execution Gateway (§4.3): idempotent order
// submission, cancellation, position tracking, the stale-order sweeper,
// and cancel-all/flatten-all.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/execplane/internal/audit"
	"github.com/aristath/execplane/internal/broker"
	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/config"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/events"
	"github.com/aristath/execplane/internal/httpserver"
	"github.com/aristath/execplane/internal/modules/execution"
	"github.com/aristath/execplane/internal/modules/execution/handlers"
	"github.com/aristath/execplane/internal/modules/risk"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/execplane/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true, Service: "execgw"})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting execution gateway")

	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, Service: "execgw"})

	db, err := database.New(database.Config{Path: cfg.DurableStoreDSN, Profile: database.ProfileLedger, Name: "execution"})
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

	cb := circuitbreaker.New(store, cfg.CBQuietPeriod, cfg.CBStalenessThreshold)
	riskRepo := risk.NewRepository(db.Conn())
	riskPlanner := risk.NewPlanner(riskRepo, cb, log)

	execRepo := execution.NewRepository(db.Conn())
	auditRepo := audit.NewRepository(db.Conn(), log)
	eventMgr := events.NewManager(log)
	execSvc := execution.NewService(execRepo, brokerClient, cb, riskPlanner, auditRepo, eventMgr, cfg.BrokerMaxRetries, log)

	flattenLimiter := coordstore.NewRateLimiter(store, cfg.FlattenRateLimitWindow, coordstore.Fallback(cfg.RateLimitFallback))
	destructive := execution.NewDestructiveOps(execRepo, execSvc, flattenLimiter)

	gate := coordstore.NewGate(store, "execution")
	waitForReconciledGate(log, gate)

	sweeper := execution.NewSweeper(execRepo, execSvc, cfg.StaleOrderTTL, cfg.SweepInterval, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)
	defer sweeper.Stop()

	h := handlers.New(execSvc, execRepo, destructive, cfg.WebhookSigningSecret, log)
	srv := httpserver.New(cfg.Port, log, func(r chi.Router) {
		r.Get("/health", healthHandler(cb))
		h.Routes(r)
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("execution gateway started")

	waitForShutdown(log, srv)
}

// waitForReconciledGate blocks boot until the reconciled gate has been
// set at least once, refusing write traffic until the reconciler has
// confirmed broker/DS agreement (§3.2).
func waitForReconciledGate(log zerolog.Logger, gate *coordstore.Gate) {
	ctx := context.Background()
	warnAt := time.Now().Add(30 * time.Second)
	for {
		ready, err := gate.Ready(ctx)
		if err == nil && ready {
			return
		}
		if time.Now().After(warnAt) {
			log.Warn().Msg("reconciled gate still not set, holding boot")
			warnAt = time.Now().Add(30 * time.Second)
		}
		time.Sleep(time.Second)
	}
}

// healthHandler reports liveness plus whether this process's circuit
// breaker view has gone stale (§4.4 Staleness metric); each call also
// refreshes the staleness clock via Healthcheck.
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

	log.Info().Msg("shutting down execution gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
