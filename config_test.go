package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diskburn.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "diskburn", cfg.AppName)
	assert.True(t, cfg.Elevate)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
app_name = "burnish"
install_root = "/opt/burnish"
elevate = false
log_level = "debug"
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "burnish", cfg.AppName)
	assert.Equal(t, "/opt/burnish", cfg.InstallRoot)
	assert.False(t, cfg.Elevate)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `log_level = "warn"`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	// Unset keys keep their defaults; a partial file never zeroes a bool.
	assert.Equal(t, "diskburn", cfg.AppName)
	assert.True(t, cfg.Elevate)
}

func TestLoadConfigBlankAppNameIgnored(t *testing.T) {
	path := writeConfig(t, `app_name = "  "`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "diskburn", cfg.AppName)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := writeConfig(t, `elevate = maybe`)
	_, err := loadConfig(path)
	assert.Error(t, err)
}
