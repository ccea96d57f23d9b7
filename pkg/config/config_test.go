package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serpent-os/federation/pkg/config"
)

const sampleTOML = `
host_address = "0.0.0.0:5001"
description = "test builder"
upstream = "https://hub.example.test"
upstream_key = "deadbeef"

[admin]
username = "root"
email = "root@example.test"
public_key = "abc123"

[tracing]
level_filter = "debug"
format = "json"
`

func TestLoad_ParsesFlatAndNestedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:5001", cfg.HostAddress)
	require.Equal(t, "test builder", cfg.Description)
	require.Equal(t, "https://hub.example.test", cfg.Upstream)
	require.Equal(t, "deadbeef", cfg.UpstreamKey)
	require.Equal(t, "root", cfg.Admin.Username)
	require.Equal(t, "abc123", cfg.Admin.PublicKey)
	require.Equal(t, "debug", cfg.Tracing.LevelFilter)
	require.Equal(t, "json", cfg.Tracing.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	t.Setenv("HOST_ADDRESS", "127.0.0.1:9999")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.HostAddress)
	require.Equal(t, "warn", cfg.Tracing.LevelFilter)
}

func TestLoad_NoPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:5000", cfg.HostAddress)
	require.Equal(t, "info", cfg.Tracing.LevelFilter)
}
