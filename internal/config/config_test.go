package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"HOST", "PORT", "NEXUS_MODE", "NEXUS_CONFIG", "NEXUS_ADMIN_PASSWORD", "NEXUS_DB_PATH", "NEXUS_LOG_LEVEL", "NEXUS_SCHEDULING_MODE"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: "9000"
scheduling:
  mode: PerformanceFirst
  refresh_margin: 120s
  strict_pinning: true
  failure_threshold: 3
  quota_protection:
    enabled: true
    threshold_percentage: 15
    monitored_models: [gemini-3-pro]
background:
  quota_poll_interval: 0s
`)

	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, 15*time.Minute, cfg.Background.RefreshInterval)
	assert.Zero(t, cfg.Background.QuotaPollInterval)

	sc, err := cfg.Scheduling.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, scheduler.PerformanceFirst, sc.Mode)
	assert.Equal(t, 120*time.Second, sc.RefreshMargin)
	assert.Equal(t, 60*time.Second, sc.LockWindow)
	assert.True(t, sc.StrictPinning)
	assert.Equal(t, 3, sc.FailureThreshold)
	assert.True(t, sc.Quota.Enabled)
	assert.Equal(t, 15, sc.Quota.ThresholdPercentage)
	assert.Equal(t, []string{"gemini-3-pro"}, sc.Quota.MonitoredModels)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, used, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, "nexus.db", cfg.Database.Path)
	assert.Equal(t, "cache_first", cfg.Scheduling.Mode)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "scheduling:\n  mode: balance\n")
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("NEXUS_MODE", "release")
	t.Setenv("NEXUS_DB_PATH", "/tmp/x.db")
	t.Setenv("NEXUS_SCHEDULING_MODE", "performance-first")
	t.Setenv("NEXUS_ADMIN_PASSWORD", "pw")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8086", cfg.Server.Addr())
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.Equal(t, "performance-first", cfg.Scheduling.Mode)
	assert.Equal(t, "pw", cfg.Server.AdminPassword)
}

func TestNexusConfigEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "database:\n  path: from-env.db\n")
	t.Setenv("NEXUS_CONFIG", path)

	cfg, used, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "from-env.db", cfg.Database.Path)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
scheduling:
  mode: round-robin
  quota_protection:
    threshold_percentage: 150
`)
	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduling.mode")
	assert.Contains(t, err.Error(), "threshold_percentage")
}

func TestMissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "scheduling:\n  mode: balance\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, func(c *Config) { changes <- c }))

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte("scheduling:\n  mode: bogus\n"), 0o600))
	time.Sleep(2 * reloadDebounce)
	require.NoError(t, os.WriteFile(path, []byte("scheduling:\n  mode: performance_first\n"), 0o600))

	select {
	case c := <-changes:
		assert.Equal(t, "performance_first", c.Scheduling.Mode)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
