package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimmoahokas/slicetime/internal/config"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slicetime.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadCoordinatorConfigDefaultsAndOverrides(t *testing.T) {
	path := writeFile(t, `
[GENERAL]
slice_microseconds = 5000
min_clients = 3
log_level = debug

[SERVER]
port = 9000
client_port_base = 10500
broadcast_address = 10.0.0.255
`)
	cfg, err := config.LoadCoordinatorConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.ServerPort)
	require.Equal(t, 10500, cfg.ClientPortBase)
	require.Equal(t, "10.0.0.255", cfg.BroadcastAddress)
	require.EqualValues(t, 5000, cfg.SliceMicroseconds)
	require.Equal(t, 3, cfg.MinClients)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadCoordinatorConfigEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
[GENERAL]
slice_microseconds = 5000
min_clients = 3

[SERVER]
port = 9000
`)
	t.Setenv("SLICETIME_MIN_CLIENTS", "7")
	cfg, err := config.LoadCoordinatorConfig(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MinClients)
	require.Equal(t, 9000, cfg.ServerPort) // untouched by env
}

func TestLoadCoordinatorConfigRejectsZeroMinClients(t *testing.T) {
	path := writeFile(t, `
[GENERAL]
slice_microseconds = 1000
min_clients = 0
`)
	_, err := config.LoadCoordinatorConfig(path)
	require.Error(t, err)
}

func TestLoadCoordinatorConfigRejectsMissingFile(t *testing.T) {
	_, err := config.LoadCoordinatorConfig(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.Error(t, err)
}

func TestLoadClientConfigDefaultsAndOverrides(t *testing.T) {
	path := writeFile(t, `
[GENERAL]
log_level = warn

[CLIENT]
server_address = 192.168.1.1
server_port = 9999
client_id = 42
description = load-test client
`)
	cfg, err := config.LoadClientConfig(path)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.1", cfg.ServerAddress)
	require.Equal(t, 9999, cfg.ServerPort)
	require.Equal(t, uint16(42), cfg.ClientID)
	require.Equal(t, "load-test client", cfg.ClientDescription)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadClientConfigEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
[CLIENT]
server_address = 192.168.1.1
server_port = 9999
`)
	t.Setenv("SLICETIME_SERVER_ADDRESS", "10.10.10.10")
	cfg, err := config.LoadClientConfig(path)
	require.NoError(t, err)
	require.Equal(t, "10.10.10.10", cfg.ServerAddress)
}

func TestLoadClientConfigRejectsMissingServerPort(t *testing.T) {
	path := writeFile(t, `
[CLIENT]
server_address = 192.168.1.1
`)
	_, err := config.LoadClientConfig(path)
	require.Error(t, err)
}
