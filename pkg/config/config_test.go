package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))
	return dir
}

func setAuthEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AMILA_AUTH_TOKEN", "test-token")
	t.Setenv("AMILA_SIGNATURE_SECRET", "test-secret")
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	setAuthEnv(t)
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 6*time.Hour, cfg.Cache.ResultRefTTL)
	assert.Equal(t, 200, cfg.Streaming.MaxRows)
	assert.Equal(t, 50, cfg.Streaming.PreviewRows)
	assert.Equal(t, 10, cfg.Webhook.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Webhook.BackoffCap)
	assert.Equal(t, 7, cfg.Retention.CheckpointRetentionDays)
	assert.Equal(t, 10, cfg.Retention.MaxCheckpointsPerThread)
	assert.True(t, cfg.Orchestrator.RequireApprovalForAll)
	assert.Equal(t, 1000, cfg.Orchestrator.ExecuteMaxRows,
		"execute cap stays above the streaming inline threshold")
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, uint32(2), cfg.Breaker.SuccessThreshold)
}

func TestLoadYAMLOverrides(t *testing.T) {
	setAuthEnv(t)
	dir := writeConfig(t, `
queue:
  worker_count: 8
streaming:
  max_rows: 500
  preview_rows: 100
connections:
  reporting:
    type: oracle
    gateway_url: http://gateway:9100
    default: true
  analytics:
    type: postgres
    dsn: postgres://localhost/analytics
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.WorkerCount)
	assert.Equal(t, 500, cfg.Streaming.MaxRows)
	require.Contains(t, cfg.Connections, "reporting")
	assert.Equal(t, models.DatabaseOracle, cfg.Connections["reporting"].Type)

	name, err := cfg.DefaultConnection(models.DatabaseOracle)
	require.NoError(t, err)
	assert.Equal(t, "reporting", name)

	// A single connection of a type is the implicit default.
	name, err = cfg.DefaultConnection(models.DatabasePostgres)
	require.NoError(t, err)
	assert.Equal(t, "analytics", name)

	_, err = cfg.DefaultConnection(models.DatabaseDoris)
	assert.Error(t, err)
}

func TestLoadRejectsMissingAuthToken(t *testing.T) {
	t.Setenv("AMILA_AUTH_TOKEN", "")
	t.Setenv("AMILA_SIGNATURE_SECRET", "s")
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "auth token")
}

func TestLoadRejectsInvalidConnection(t *testing.T) {
	setAuthEnv(t)
	dir := writeConfig(t, `
connections:
  bad:
    type: mysql
    dsn: mysql://x
`)
	_, err := Load(dir)
	assert.ErrorContains(t, err, "unknown database type")
}

func TestEnvOverridesEndpoints(t *testing.T) {
	setAuthEnv(t)
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("LLM_BASE_URL", "http://llm:8001/v1")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "http://llm:8001/v1", cfg.LLM.BaseURL)
}

func TestValidateRejectsPreviewLargerThanMax(t *testing.T) {
	setAuthEnv(t)
	dir := writeConfig(t, `
streaming:
  max_rows: 40
  preview_rows: 50
`)
	_, err := Load(dir)
	assert.ErrorContains(t, err, "preview_rows")
}
