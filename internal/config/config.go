// Package config provides configuration management for every
// control-plane service binary.
//
// Configuration Loading Order (highest to lowest precedence, §4.7):
// 1. CLI flag override (passed into Load as overrides)
// 2. Environment variable (.env loaded first via godotenv, then os.Getenv)
// 3. Built-in default
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full environment-variable contract (§6) that any of
// the five service binaries may need; each binary reads only the subset
// relevant to it.
type Config struct {
	// Durable store / coordination store
	DurableStoreDSN    string
	CoordinationStoreURL string

	// Broker
	BrokerBaseURL    string
	BrokerAPIKey     string
	BrokerAPISecret  string
	DryRun           bool // default true — never submits to broker

	// HTTP server
	Port     int
	LogLevel string

	// Rate limiting / CB
	RateLimitFallback      string // "deny" or "allow"
	FlattenRateLimitWindow time.Duration
	CBQuietPeriod          time.Duration
	CBDrawdownThreshold    float64
	CBStalenessThreshold   time.Duration

	// Execution gateway
	StaleOrderTTL        time.Duration
	SweepInterval        time.Duration
	BrokerMaxRetries     int
	WebhookSigningSecret string

	// Reconciler
	ReconcileInterval          time.Duration
	ReconcileGracePeriod       time.Duration
	ReconcileStaleTTL          time.Duration
	ReconcilePositionThreshold float64
	ReconcileSnapshotRetention time.Duration

	// Signal service
	ModelReloadInterval time.Duration
	MinSignalUniverse   int
	SignalTopBottomN    int
	ModelDir            string // local directory FileModelLoader resolves "file://" model_path URIs against, informationally
	FeatureDir          string // local directory FileFeatureSource reads per-date feature snapshots from

	// Orchestrator
	PaperRunCron           string
	StrategyID             string
	PaperRunUniverse       []string
	PaperRunPortfolioValue float64
	RiskTickSize           float64
	SignalServiceURL       string
	RiskServiceURL         string
	ExecutionServiceURL    string
	ReconcilerServiceURL   string
}

// Overrides carries CLI-flag values that, when non-zero, take priority
// over environment variables.
type Overrides struct {
	Port     int
	LogLevel string
	DryRun   *bool
}

// Load reads configuration from environment variables (after loading a
// .env file if present) and applies any CLI overrides on top.
func Load(overrides Overrides) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DurableStoreDSN:        getEnv("DS_DSN", "file:controlplane.db?_pragma=busy_timeout(5000)"),
		CoordinationStoreURL:   getEnv("CS_URL", "redis://127.0.0.1:6379/0"),
		BrokerBaseURL:          getEnv("BROKER_BASE_URL", "http://localhost:9400"),
		BrokerAPIKey:           getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret:        getEnv("BROKER_API_SECRET", ""),
		DryRun:                 getEnvAsBool("DRY_RUN", true),
		Port:                   getEnvAsInt("PORT", 8080),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		RateLimitFallback:      getEnv("RATE_LIMIT_FALLBACK", "deny"),
		FlattenRateLimitWindow: getEnvAsDuration("FLATTEN_RATE_LIMIT_WINDOW", 5*time.Minute),
		CBQuietPeriod:          getEnvAsDuration("CB_QUIET_PERIOD", 10*time.Minute),
		CBDrawdownThreshold:    getEnvAsFloat("CB_DRAWDOWN_THRESHOLD", -0.05),
		CBStalenessThreshold:   getEnvAsDuration("CB_STALENESS_THRESHOLD", 30*time.Minute),
		StaleOrderTTL:          getEnvAsDuration("STALE_ORDER_TTL", 15*time.Minute),
		SweepInterval:          getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		BrokerMaxRetries:       getEnvAsInt("EXEC_BROKER_MAX_RETRIES", 5),
		WebhookSigningSecret:   getEnv("WEBHOOK_SIGNING_SECRET", ""),
		ReconcileInterval:          getEnvAsDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileGracePeriod:       getEnvAsDuration("RECONCILE_GRACE_PERIOD", 5*time.Minute),
		ReconcileStaleTTL:          getEnvAsDuration("RECONCILE_STALE_TTL", 15*time.Minute),
		ReconcilePositionThreshold: getEnvAsFloat("RECONCILE_POSITION_THRESHOLD", 0.001),
		ReconcileSnapshotRetention: getEnvAsDuration("RECONCILE_SNAPSHOT_RETENTION", 30*24*time.Hour),
		ModelReloadInterval:        getEnvAsDuration("MODEL_RELOAD_INTERVAL", 5*time.Minute),
		MinSignalUniverse:          getEnvAsInt("MIN_SIGNAL_UNIVERSE", 3),
		SignalTopBottomN:           getEnvAsInt("SIGNAL_TOP_BOTTOM_N", 3),
		ModelDir:                   getEnv("MODEL_DIR", "./data/models"),
		FeatureDir:                 getEnv("FEATURE_DIR", "./data/features"),
		PaperRunCron:               getEnv("PAPER_RUN_CRON", "0 0 14 * * *"),
		StrategyID:                 getEnv("STRATEGY_ID", "default"),
		PaperRunUniverse:           getEnvAsStringSlice("PAPER_RUN_UNIVERSE", []string{"AAPL", "MSFT", "GOOGL"}),
		PaperRunPortfolioValue:     getEnvAsFloat("PAPER_RUN_PORTFOLIO_VALUE", 100000),
		RiskTickSize:               getEnvAsFloat("RISK_TICK_SIZE", 0.01),
		SignalServiceURL:           getEnv("SIGNAL_SERVICE_URL", "http://localhost:8081"),
		RiskServiceURL:             getEnv("RISK_SERVICE_URL", "http://localhost:8082"),
		ExecutionServiceURL:        getEnv("EXECUTION_SERVICE_URL", "http://localhost:8083"),
		ReconcilerServiceURL:       getEnv("RECONCILER_SERVICE_URL", "http://localhost:8084"),
	}

	if overrides.Port != 0 {
		cfg.Port = overrides.Port
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DryRun != nil {
		cfg.DryRun = *overrides.DryRun
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants that a typo in the environment
// would otherwise surface only at runtime.
func (c *Config) Validate() error {
	if c.RateLimitFallback != "deny" && c.RateLimitFallback != "allow" {
		return fmt.Errorf("RATE_LIMIT_FALLBACK must be 'deny' or 'allow', got %q", c.RateLimitFallback)
	}
	if !c.DryRun && c.BrokerAPIKey == "" {
		return fmt.Errorf("BROKER_API_KEY is required when DRY_RUN=false")
	}
	if c.MinSignalUniverse < 1 {
		return fmt.Errorf("MIN_SIGNAL_UNIVERSE must be >= 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
