package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uitestgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("UITESTGEN_PROVIDER", "")
	t.Setenv("UITESTGEN_MODEL", "")
	t.Setenv("UITESTGEN_STORE_PATH", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "gpt-4o", cfg.Models.Default)
	assert.Equal(t, "gpt-4o-mini", cfg.Models.Fallback)
	assert.Equal(t, "gpt-4o", cfg.Models.Analysis)
	assert.Equal(t, "gpt-4o", cfg.Models.Generation)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("UITESTGEN_PROVIDER", "")
	t.Setenv("UITESTGEN_MODEL", "")
	path := writeConfig(t, `
provider: anthropic
models:
  generation: claude-opus-4-20250514
retry:
  maxAttempts: 5
  initialDelayMs: 200
  maxDelayMs: 2000
  backoffMultiplier: 3
circuitBreaker:
  failureThreshold: 2
  resetTimeoutMs: 1000
  halfOpenMaxAttempts: 1
pricing:
  claude-opus-4-20250514:
    prompt: 0.015
    completion: 0.075
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderClaude, cfg.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Models.Default)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Models.Analysis)
	assert.Equal(t, "claude-opus-4-20250514", cfg.Models.Generation)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, 2, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 0.075, cfg.Pricing["claude-opus-4-20250514"].Completion)
	// Defaults not named in the file survive.
	assert.Contains(t, cfg.Pricing, "gpt-4o")
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("UITESTGEN_PROVIDER", "claude")
	t.Setenv("UITESTGEN_MODEL", "claude-custom")
	t.Setenv("UITESTGEN_STORE_PATH", "/tmp/cases")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProviderClaude, cfg.Provider)
	assert.Equal(t, "claude-custom", cfg.Models.Default)
	assert.Equal(t, "claude-custom", cfg.Models.Generation)
	assert.Equal(t, "/tmp/cases", cfg.Store.Path)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("UITESTGEN_PROVIDER", "")
	t.Setenv("UITESTGEN_MODEL", "")

	tests := map[string]string{
		"unknown provider": "provider: mistral\n",
		"zero attempts":    "retry:\n  maxAttempts: 0\n",
		"max below initial": "retry:\n  initialDelayMs: 5000\n  maxDelayMs: 100\n",
		"negative price":   "pricing:\n  gpt-4o:\n    prompt: -1\n",
		"zero threshold":   "circuitBreaker:\n  failureThreshold: 0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMillis(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Millis(1500))
}
