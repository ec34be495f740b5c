package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedBaseline(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 2, cfg.Transport.MaxRetries)
	assert.Equal(t, int64(300), cfg.Transport.BackoffBaseMs)
	assert.Equal(t, int64(3000), cfg.Transport.BackoffMaxMs)
	assert.Equal(t, 0.25, cfg.Transport.JitterRatio)
	assert.Equal(t, 6, cfg.Supervisor.MaxCycles)
	assert.Equal(t, 2, cfg.Toolkit.MaxRepairAttempts)
	assert.Equal(t, 4, cfg.Toolkit.RepairWindowLimit)
	assert.True(t, cfg.Supervisor.EnableStaleCache)
	assert.True(t, cfg.Supervisor.EnableMock)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 10.0, cfg.Transport.RateLimitPerSecond)
	assert.Equal(t, 20, cfg.Transport.RateLimitBurst)
}

func TestLoadMissingPathReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAMLOntoDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "battlehealer.yaml")
	yamlBody := []byte("transport:\n  max_retries: 5\nplanner:\n  use_llm: true\n  model: claude-opus-4\n")
	require.NoError(t, os.WriteFile(path, yamlBody, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Transport.MaxRetries)
	assert.True(t, cfg.Planner.UseLLM)
	assert.Equal(t, "claude-opus-4", cfg.Planner.Model)
	// fields not present in the overlay keep their defaulted values.
	assert.Equal(t, 6, cfg.Supervisor.MaxCycles)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: [this is not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesApplyToDefault(t *testing.T) {
	t.Setenv("BATTLEHEALER_MAX_RETRIES", "9")
	t.Setenv("BATTLEHEALER_STORE_BACKEND", "redis")

	cfg := Default()

	assert.Equal(t, 9, cfg.Transport.MaxRetries)
	assert.Equal(t, "redis", cfg.Store.Backend)
}

func TestEnvOverridesApplyToRateLimit(t *testing.T) {
	t.Setenv("BATTLEHEALER_RATE_LIMIT_RPS", "2.5")
	t.Setenv("BATTLEHEALER_RATE_LIMIT_BURST", "3")

	cfg := Default()

	assert.Equal(t, 2.5, cfg.Transport.RateLimitPerSecond)
	assert.Equal(t, 3, cfg.Transport.RateLimitBurst)
}
