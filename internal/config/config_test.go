package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DS_DSN", "CS_URL", "BROKER_BASE_URL", "BROKER_API_KEY", "BROKER_API_SECRET",
		"DRY_RUN", "PORT", "LOG_LEVEL", "RATE_LIMIT_FALLBACK", "MIN_SIGNAL_UNIVERSE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "deny", cfg.RateLimitFallback)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "9191")
	defer os.Unsetenv("PORT")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Port)
}

func TestLoad_CLIOverridesEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "9191")
	defer os.Unsetenv("PORT")

	cfg, err := Load(Overrides{Port: 7777})
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Port, "CLI flag must beat environment variable")
}

func TestLoad_InvalidRateLimitFallback(t *testing.T) {
	clearEnv(t)
	os.Setenv("RATE_LIMIT_FALLBACK", "sometimes")
	defer os.Unsetenv("RATE_LIMIT_FALLBACK")

	_, err := Load(Overrides{})
	assert.Error(t, err)
}

func TestLoad_LiveModeRequiresBrokerKey(t *testing.T) {
	clearEnv(t)
	os.Setenv("DRY_RUN", "false")
	defer os.Unsetenv("DRY_RUN")

	_, err := Load(Overrides{})
	assert.Error(t, err)
}
