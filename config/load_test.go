package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir is a stand-in for testing.T.Chdir (Go 1.24+): it changes the working
// directory for the test and restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no project config is picked up.
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "cadence.db", cfg.Database.Path)
	assert.Equal(t, 1*time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MisfireGrace())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ReconcileInterval())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MinInterval())
	assert.Equal(t, 90, cfg.Scheduler.RunRetentionDays)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadence.toml")
	content := `
[database]
path = "/var/lib/cadence/cadence.db"

[scheduler]
tick_interval_seconds = 2
misfire_grace_minutes = 10
run_retention_days = 30

[log]
json = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cadence/cadence.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.MisfireGrace())
	assert.Equal(t, 30, cfg.Scheduler.RunRetentionDays)
	assert.True(t, cfg.Log.JSON)

	// Unset fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ReconcileInterval())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MinInterval())
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CADENCE_DATABASE_PATH", "/tmp/env.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}
