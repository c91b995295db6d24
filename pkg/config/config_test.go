package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, EnvDevelopment, cfg.Env)
	require.Equal(t, 5, cfg.Batch.Workers)
	require.Equal(t, 30*time.Second, cfg.Batch.ItemTimeout)
	require.Equal(t, time.Minute, cfg.Workflow.EscalationInterval)
	require.Zero(t, cfg.Workflow.DefaultSLA)
	require.False(t, cfg.Notifications.Enabled)
	require.True(t, cfg.Database.AutoMigrate)
	require.Equal(t, int64(300), cfg.RateLimit.PerMinute)
	require.Equal(t, 10*time.Second, cfg.Platform.Timeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("BATCH_WORKERS", "12")
	t.Setenv("BATCH_ITEM_TIMEOUT", "5s")
	t.Setenv("WORKFLOW_DEFAULT_SLA", "48h")
	t.Setenv("ALLOWED_ORIGINS", "https://admin.example.com, ,https://ops.example.com")
	t.Setenv("BATCH_STORE_RETRY_DELAY", "not-a-duration")
	t.Setenv("PLATFORM_API_URL", "https://platform.example.com/")
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Batch.Workers)
	require.Equal(t, 5*time.Second, cfg.Batch.ItemTimeout)
	require.Equal(t, 48*time.Hour, cfg.Workflow.DefaultSLA)
	require.Equal(t, 200*time.Millisecond, cfg.Batch.StoreRetryDelay)
	require.Equal(t, []string{"https://admin.example.com", "https://ops.example.com"}, cfg.CORS.AllowedOrigins)
	require.Equal(t, "https://platform.example.com", cfg.Platform.BaseURL)
	require.False(t, cfg.RateLimit.Enabled)
}

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
