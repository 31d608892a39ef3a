package promptgate_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pg "github.com/ineyio/promptgate"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, pg.DefaultConfig().Validate())
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
provider:
  model: gpt-4o
  cost_per_1m_input_tokens: 2.5
rate_limit:
  per_ip_per_minute: 42
cache:
  ttl_seconds: 1800
breaker:
  failure_threshold: 7
`)

	cfg, err := pg.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Provider.Model)
	assert.Equal(t, 2.5, cfg.Provider.InputPerMillion)
	assert.Equal(t, int64(42), cfg.RateLimit.PerIPPerMinute)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL())
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)

	// Untouched sections keep their defaults.
	assert.Equal(t, int64(1000), cfg.RateLimit.GlobalPerHour)
	assert.Equal(t, 0.85, cfg.Injection.Threshold)
}

func TestLoadConfig_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_PG_API_KEY", "sk-from-env")

	path := writeConfig(t, `
provider:
  api_key: ${TEST_PG_API_KEY}
`)

	cfg, err := pg.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Provider.APIKey)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"threshold out of range", "injection:\n  threshold: 1.5\n"},
		{"zero breaker threshold", "breaker:\n  failure_threshold: 0\n"},
		{"negative rate limit", "rate_limit:\n  per_ip_per_minute: -1\n"},
		{"missing model", "provider:\n  model: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pg.LoadConfig(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := pg.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
