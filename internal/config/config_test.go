package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP.Addr, cfg.HTTP.Addr)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.yaml")
	yamlBody := "http:\n  addr: \":9090\"\n  allowed_origins:\n    - https://example.com\nlog_dir: /tmp/custom-logs\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, []string{"https://example.com"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "/tmp/custom-logs", cfg.LogDir)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9090\"\n"), 0644))

	t.Setenv("TASKFORGE_HTTP_ADDR", ":7070")
	t.Setenv("TASKFORGE_SWEEP_STUCK_THRESHOLD", "2h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Sweep.StuckThreshold)
}

func TestValidateRejectsWildcardCORS(t *testing.T) {
	cfg := Default()
	cfg.HTTP.AllowedOrigins = []string{"*"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wildcard")
}

func TestValidateRejectsEmptyAllowList(t *testing.T) {
	cfg := Default()
	cfg.HTTP.AllowedOrigins = nil
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadRetryPolicy(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Retry.Factor = 1
	require.Error(t, cfg.Validate())
}

func TestHomeRespectsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKFORGE_HOME", dir)

	home, err := Home()
	require.NoError(t, err)
	assert.Equal(t, dir, home)
}
