package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.True(t, cfg.Sessions.RequireElapsed)
	assert.Equal(t, 10*time.Second, cfg.Notifications.PollInterval)
	assert.Equal(t, int64(20*1024*1024), cfg.Materials.MaxFileSizeBytes)
	assert.Contains(t, cfg.Materials.AllowedMIMEs, "application/pdf")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SESSION_REQUIRE_ELAPSED", "false")
	t.Setenv("PROGRESS_CACHE_TTL", "90s")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.Sessions.RequireElapsed)
	assert.Equal(t, 90*time.Second, cfg.Progress.CacheTTL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "bk-tutor", cfg.JWT.Issuer)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("PROGRESS_CACHE_TTL", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode config")
}

func TestCompact(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, compact([]string{" a", "", "b ", " "}))
	assert.Nil(t, compact([]string{"", " "}))
	assert.Nil(t, compact(nil))
}

func TestLoadHTTPTimeouts(t *testing.T) {
	t.Setenv("HTTP_SHUTDOWN_TIMEOUT", "5s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadHeaderTimeout)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
}

func TestValidateRejectsDevSecretsInProduction(t *testing.T) {
	t.Setenv("ENV", EnvProduction)
	t.Setenv("MATERIALS_SIGNED_URL_SECRET", "materials-prod")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET must be set in production")
	assert.Contains(t, err.Error(), "REPORTS_SIGNED_URL_SECRET must be set in production")
	assert.NotContains(t, err.Error(), "MATERIALS_SIGNED_URL_SECRET")

	t.Setenv("JWT_SECRET", "jwt-prod")
	t.Setenv("REPORTS_SIGNED_URL_SECRET", "reports-prod")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, cfg.Env)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := &Config{
		Port:      0,
		APIPrefix: "api",
		Sessions:  SessionsConfig{Timezone: "Mars/Olympus"},
		Reports:   ReportsConfig{Enabled: true},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"PORT", "API_PREFIX", "SESSION_TIMEZONE", "EVENTS_BUFFER_SIZE", "MATERIALS_MAX_FILE_SIZE", "REPORTS_WORKER_CONCURRENCY"} {
		assert.Contains(t, err.Error(), want)
	}
}
