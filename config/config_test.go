package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsInDevelopment(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 24*time.Hour, cfg.JWTTTL)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.NotEmpty(t, cfg.WebhookSecret)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_DotEnvFile(t *testing.T) {
	// GIVEN: a .env file and one variable already in the process
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9090\nLOG_LEVEL=debug\nREBOUND_TEST_ONLY=1\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("APP_ENV", "development")
	t.Setenv("LOG_LEVEL", "warn")
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("REBOUND_TEST_ONLY")
	})

	// WHEN
	cfg, err := Load()
	require.NoError(t, err)

	// THEN: the file fills gaps, the process environment wins
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("WEBHOOK_SECRET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	_, err = Load()
	assert.ErrorContains(t, err, "WEBHOOK_SECRET")

	t.Setenv("WEBHOOK_SECRET", "hook")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoad_BadTimezone(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("APP_ENV", "development")
	t.Setenv("TIMEZONE", "Mars/Olympus")

	_, err := Load()
	assert.ErrorContains(t, err, "TIMEZONE")
}

func TestOrigins(t *testing.T) {
	cfg := Config{AllowedOrigins: " https://a.example, ,https://b.example "}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
}
