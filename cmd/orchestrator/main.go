// Command orchestrator runs the Orchestrator / Paper-Run Driver (§4.6)
// and exposes its CLI surface: status, circuit-trip, kill-switch,
// paper-run, and migrate (§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/execplane/internal/audit"
	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/config"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/database"
	"github.com/aristath/execplane/internal/domain"
	"github.com/aristath/execplane/internal/httpserver"
	"github.com/aristath/execplane/internal/modules/orchestrator"
	"github.com/aristath/execplane/internal/modules/orchestrator/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/execplane/pkg/logger"
)

const (
	exitSuccess            = 0
	exitDependencyFailure  = 1
	exitOrchestrationError = 2
	exitConfigError        = 3
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true, Service: "orchestrator"})
	logger.SetGlobalLogger(log)

	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(exitConfigError)
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, Service: "orchestrator"})

	if len(os.Args) < 2 {
		runServer(log, cfg)
		return
	}

	os.Exit(runCLI(log, cfg, os.Args[1], os.Args[2:]))
}

func runCLI(log zerolog.Logger, cfg *config.Config, command string, args []string) int {
	store, err := coordstore.New(cfg.CoordinationStoreURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to coordination store")
		return exitDependencyFailure
	}
	cb := circuitbreaker.New(store, cfg.CBQuietPeriod, cfg.CBStalenessThreshold)
	clients := orchestrator.NewServiceClients(cfg.SignalServiceURL, cfg.RiskServiceURL, cfg.ExecutionServiceURL, cfg.ReconcilerServiceURL)
	ctx := context.Background()

	switch command {
	case "status":
		return cmdStatus(ctx, log, cb, clients)
	case "circuit-trip":
		fs := flag.NewFlagSet("circuit-trip", flag.ContinueOnError)
		reason := fs.String("reason", "", "reason for tripping the circuit breaker")
		if err := fs.Parse(args); err != nil || *reason == "" {
			log.Error().Msg("circuit-trip requires --reason")
			return exitConfigError
		}
		if err := cb.Trip(ctx, *reason, "", "cli"); err != nil {
			log.Error().Err(err).Msg("circuit-trip failed")
			return exitDependencyFailure
		}
		log.Info().Str("reason", *reason).Msg("circuit breaker tripped")
		return exitSuccess
	case "kill-switch":
		fs := flag.NewFlagSet("kill-switch", flag.ContinueOnError)
		reason := fs.String("reason", "", "reason for the kill switch")
		if err := fs.Parse(args); err != nil || *reason == "" {
			log.Error().Msg("kill-switch requires --reason")
			return exitConfigError
		}
		return cmdKillSwitch(ctx, log, cb, clients, *reason)
	case "paper-run":
		fs := flag.NewFlagSet("paper-run", flag.ContinueOnError)
		date := fs.String("date", time.Now().UTC().Format("2006-01-02"), "trading date, YYYY-MM-DD")
		if err := fs.Parse(args); err != nil {
			return exitConfigError
		}
		return cmdPaperRun(ctx, log, cfg, cb, clients, *date, "manual")
	case "migrate":
		return cmdMigrate(log, cfg)
	default:
		log.Error().Str("command", command).Msg("unknown command")
		return exitConfigError
	}
}

func cmdStatus(ctx context.Context, log zerolog.Logger, cb *circuitbreaker.Client, clients *orchestrator.ServiceClients) int {
	state, err := cb.Read(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read circuit breaker state")
		return exitDependencyFailure
	}
	fmt.Printf("circuit_breaker: %s\n", state.State)
	fmt.Printf("circuit_breaker_stale: %t\n", cb.Stale())

	ready, err := clients.ReconciliationStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read reconciler status")
		return exitDependencyFailure
	}
	fmt.Printf("reconciled: %t\n", ready)

	healthy := true
	for name, base := range map[string]string{"signal": clients.SignalBaseURL, "risk": clients.RiskBaseURL, "execution": clients.ExecutionBaseURL} {
		err := clients.CheckHealth(ctx, base)
		fmt.Printf("%s_service: %s\n", name, healthStatus(err))
		if err != nil {
			healthy = false
		}
	}
	if !healthy || !ready {
		return exitDependencyFailure
	}
	return exitSuccess
}

func healthStatus(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "ok"
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

func cmdKillSwitch(ctx context.Context, log zerolog.Logger, cb *circuitbreaker.Client, clients *orchestrator.ServiceClients, reason string) int {
	if err := cb.Trip(ctx, reason, "kill switch", "cli"); err != nil {
		log.Error().Err(err).Msg("kill switch failed to trip circuit breaker")
		return exitDependencyFailure
	}
	canceled, err := clients.CancelAllOrders(ctx, "cli", reason, "kill-switch-cli")
	if err != nil {
		log.Error().Err(err).Msg("kill switch failed to cancel open orders")
		return exitDependencyFailure
	}
	submitted, err := clients.FlattenAllPositions(ctx, "cli", reason, "kill-switch-cli", "", time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		log.Error().Err(err).Msg("kill switch failed to flatten positions")
		return exitDependencyFailure
	}
	log.Info().Int("canceled", canceled).Int("flattened", submitted).Msg("kill switch engaged")
	return exitSuccess
}

func cmdPaperRun(ctx context.Context, log zerolog.Logger, cfg *config.Config, cb *circuitbreaker.Client, clients *orchestrator.ServiceClients, date, trigger string) int {
	db, err := database.New(database.Config{Path: cfg.DurableStoreDSN, Profile: database.ProfileStandard, Name: "orchestrator"})
	if err != nil {
		log.Error().Err(err).Msg("failed to open durable store")
		return exitDependencyFailure
	}
	defer db.Close()
	repo := orchestrator.NewRepository(db.Conn())

	driver := orchestrator.NewDriver(clients, repo, cb, cfg.StrategyID, cfg.PaperRunUniverse,
		decimal.NewFromFloat(cfg.PaperRunPortfolioValue), decimal.NewFromFloat(cfg.RiskTickSize), log)

	run, err := driver.Run(ctx, date, trigger)
	if err != nil {
		log.Error().Err(err).Msg("paper run failed")
		return exitOrchestrationError
	}
	fmt.Printf("run_id: %s\noutcome: %s\n", run.RunID, run.Outcome)
	if run.Outcome == domain.RunOutcomeFailed {
		return exitOrchestrationError
	}
	return exitSuccess
}

func cmdMigrate(log zerolog.Logger, cfg *config.Config) int {
	db, err := database.New(database.Config{Path: cfg.DurableStoreDSN, Profile: database.ProfileStandard, Name: "orchestrator"})
	if err != nil {
		log.Error().Err(err).Msg("failed to open durable store")
		return exitDependencyFailure
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Error().Err(err).Msg("migration failed")
		return exitDependencyFailure
	}
	log.Info().Msg("migrations applied")
	return exitSuccess
}

func runServer(log zerolog.Logger, cfg *config.Config) {
	log.Info().Msg("starting orchestrator")

	db, err := database.New(database.Config{Path: cfg.DurableStoreDSN, Profile: database.ProfileStandard, Name: "orchestrator"})
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
	clients := orchestrator.NewServiceClients(cfg.SignalServiceURL, cfg.RiskServiceURL, cfg.ExecutionServiceURL, cfg.ReconcilerServiceURL)
	repo := orchestrator.NewRepository(db.Conn())
	driver := orchestrator.NewDriver(clients, repo, cb, cfg.StrategyID, cfg.PaperRunUniverse,
		decimal.NewFromFloat(cfg.PaperRunPortfolioValue), decimal.NewFromFloat(cfg.RiskTickSize), log)

	c := cron.New(cron.WithSeconds())
	_, err = c.AddFunc(cfg.PaperRunCron, func() {
		date := time.Now().UTC().Format("2006-01-02")
		run, err := driver.Run(context.Background(), date, "scheduled")
		if err != nil {
			log.Error().Err(err).Str("date", date).Msg("scheduled paper run failed")
			return
		}
		log.Info().Str("run_id", run.RunID).Str("outcome", string(run.Outcome)).Msg("scheduled paper run completed")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule paper run cron")
	}
	c.Start()
	defer c.Stop()

	auditRepo := audit.NewRepository(db.Conn(), log)
	h := handlers.New(driver, repo, auditRepo, log)
	srv := httpserver.New(cfg.Port, log, func(r chi.Router) {
		r.Get("/health", healthHandler(cb))
		h.Routes(r)
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Str("cron", cfg.PaperRunCron).Msg("orchestrator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down orchestrator")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
