package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func executable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renode")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(executable(t), dir, Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":21234", cfg.Addr)
	require.Equal(t, dir, cfg.ExecutionDir)
	require.Empty(t, cfg.GDBBinary)
	require.False(t, cfg.Debug)
}

func TestLoadRejectsBadBinary(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"), t.TempDir(), Overrides{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot be executed")
}

func TestLoadRejectsBadDirectory(t *testing.T) {
	_, err := Load(executable(t), filepath.Join(t.TempDir(), "missing"), Overrides{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "is not a directory")
}

func TestOverridesWin(t *testing.T) {
	t.Setenv("PORT", "5000")
	t.Setenv("RENODE_PROXY_GUI_DISABLED", "1")

	port := 9999
	gui := false
	cfg, err := Load(executable(t), t.TempDir(), Overrides{Port: &port, GUIDisabled: &gui})
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Addr)
	require.False(t, cfg.GUIDisabled)
}

func TestEnvironmentKnobs(t *testing.T) {
	t.Setenv("PORT", "4321")
	t.Setenv("RENODE_PROXY_GUI_DISABLED", "yes")
	t.Setenv("RENODE_PROXY_MONITOR_FORWARDING_DISABLED", "true")
	t.Setenv("DEBUG", "1")

	cfg, err := Load(executable(t), t.TempDir(), Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":4321", cfg.Addr)
	require.True(t, cfg.GUIDisabled)
	require.True(t, cfg.MonitorForwardingDisabled)
	require.True(t, cfg.Debug)
}

func TestExplicitGDBPathValidated(t *testing.T) {
	gdb := executable(t)
	cfg, err := Load(executable(t), t.TempDir(), Overrides{GDBBinary: &gdb})
	require.NoError(t, err)
	require.Equal(t, gdb, cfg.GDBBinary)

	bad := filepath.Join(t.TempDir(), "no-such-gdb")
	_, err = Load(executable(t), t.TempDir(), Overrides{GDBBinary: &bad})
	require.Error(t, err)
}
