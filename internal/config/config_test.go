package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DESK_CONFIG", "DESK_BASE_URL", "SUPPORT_API_KEY", "DESK_TIMEOUT",
		"DESK_LOG_LEVEL", "DESK_LOG_FORMAT", "DESK_SNAPSHOT_PATH", "DESK_SNAPSHOT_ENABLED",
		"DESK_METRICS_ADDRESS", "DESK_LIST_INTERVAL", "DESK_SUMMARY_INTERVAL", "DESK_PAGE_SIZE",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	timing := cfg.Timing()
	assert.Equal(t, 8*time.Second, timing.ListInterval)
	assert.Equal(t, 10*time.Second, timing.SummaryInterval)
	assert.Equal(t, 3*time.Second, timing.Backoff)
	assert.Equal(t, 350*time.Millisecond, timing.Debounce)
	assert.Equal(t, 6*time.Second, timing.ReconcileDelay)
	assert.True(t, cfg.Snapshot.Enabled)
}

func TestFileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "dk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  baseURL: http://support.internal:9000
  apiKey: from-file
sync:
  listInterval: 30s
  pageSize: 50
logging:
  level: debug
`), 0o644))

	t.Setenv("DESK_SUMMARY_INTERVAL", "1m")
	t.Setenv("DESK_LOG_FORMAT", "json")
	t.Setenv("SUPPORT_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://support.internal:9000", cfg.Backend.BaseURL)
	assert.Equal(t, "from-file", cfg.Backend.APIKey, "an explicit key wins over the environment")
	assert.Equal(t, 30*time.Second, cfg.Sync.ListInterval)
	assert.Equal(t, time.Minute, cfg.Sync.SummaryInterval)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
}

func TestMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("DESK_PAGE_SIZE", "0")
	_, err := Load("")
	assert.ErrorContains(t, err, "pageSize")
}
