package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"DATABASE_URL", "DB_HOST", "DB_USER", "DB_PASS", "DB_NAME", "DB_MODE",
		"QUEUE_HOST", "QUEUE_PORT", "QUEUE_USERNAME", "QUEUE_PASSWORD",
		"GITHUB_APP_ID", "GITHUB_INSTALLATION_ID", "GITHUB_PRIVATE_KEY_PATH",
		"GITHUB_TOKEN", "GITHUB_PUBLIC_MIRROR", "USER_AGENT",
		"LLM_ENDPOINT", "LLM_DEPLOYMENT", "LLM_KEY", "LLM_CLIENT_ID",
		"LLM_RPM", "LLM_BATCH_SIZE", "MAX_RETRIES",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "PORT",
	}
	for _, name := range vars {
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Database.Mode)
	assert.Equal(t, 60, cfg.LLM.RPM)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 30, cfg.Worker.LockTimeoutMinutes)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadConfig_FlatEnvNamespace(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("QUEUE_HOST", "rabbitmq.internal")
	t.Setenv("LLM_ENDPOINT", "https://llm.internal")
	t.Setenv("LLM_RPM", "120")
	t.Setenv("MAX_RETRIES", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "rabbitmq.internal", cfg.Queue.Host)
	assert.Equal(t, "https://llm.internal", cfg.LLM.Endpoint)
	assert.Equal(t, 120, cfg.LLM.RPM)
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
}

func TestDatabaseConfig_DSN_PrefersURL(t *testing.T) {
	d := DatabaseConfig{URL: "postgres://x", Host: "ignored"}
	assert.Equal(t, "postgres://x", d.DSN())
}

func TestDatabaseConfig_DSN_Discrete(t *testing.T) {
	d := DatabaseConfig{Host: "h", User: "u", Pass: "p", Name: "n", Mode: "local"}
	dsn := d.DSN()
	assert.Contains(t, dsn, "host=h")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestConfig_ValidateForServer_RequiresDatabase(t *testing.T) {
	cfg := &Config{}
	err := cfg.ValidateForServer()
	require.Error(t, err)
}

func TestConfig_ValidateForServer_OK(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Host = "h"
	cfg.GitHub.Token = "t"
	cfg.LLM.Endpoint = "https://llm"
	cfg.LLM.Key = "k"
	require.NoError(t, cfg.ValidateForServer())
}
