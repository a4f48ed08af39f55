// Package config loads the INI-style configuration file of spec.md §6
// ([GENERAL]/[SERVER]/[CLIENT] sections) via gopkg.in/ini.v1, with
// environment-variable overrides layered on top in the teacher's envOr/
// envInt idiom (nokia-bng-simulator/main.go).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/kimmoahokas/slicetime/internal/wire"
)

// CoordinatorConfig holds everything slicetime-coordinatord needs to start.
type CoordinatorConfig struct {
	ServerPort        int
	ClientPortBase    int
	BroadcastAddress  string
	SliceMicroseconds uint32
	MinClients        int
	MaxPeriod         uint32

	LogLevel string
	AuditDSN string
}

// ClientConfig holds everything slicetime-client needs to start.
type ClientConfig struct {
	ServerAddress string
	ServerPort    int
	ClientAddress string
	ClientPort    int

	ClientID           uint16
	ClientType         wire.ClientType
	ClientDescription  string
	RecvTimeoutSeconds float64

	LogLevel string
}

// LoadCoordinatorConfig reads path (an INI file with [GENERAL] and [SERVER]
// sections), applies SLICETIME_* environment overrides, validates required
// fields, and returns a ready-to-use CoordinatorConfig. Every failure is
// wrapped: callers treat it as a fatal configuration error per spec.md §7.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load %q: %w", path, err)
	}

	general := cfg.Section("GENERAL")
	server := cfg.Section("SERVER")

	out := &CoordinatorConfig{
		ServerPort:        server.Key("port").MustInt(9999),
		ClientPortBase:    server.Key("client_port_base").MustInt(10000),
		BroadcastAddress:  server.Key("broadcast_address").MustString("255.255.255.255"),
		SliceMicroseconds: uint32(general.Key("slice_microseconds").MustInt(10000)),
		MinClients:        general.Key("min_clients").MustInt(1),
		MaxPeriod:         uint32(general.Key("max_period").MustInt(0)),
		LogLevel:          general.Key("log_level").MustString("info"),
		AuditDSN:          general.Key("audit_dsn").MustString(""),
	}

	out.ServerPort = envInt("SLICETIME_SERVER_PORT", out.ServerPort)
	out.ClientPortBase = envInt("SLICETIME_CLIENT_PORT_BASE", out.ClientPortBase)
	out.BroadcastAddress = envOr("SLICETIME_BROADCAST_ADDRESS", out.BroadcastAddress)
	out.SliceMicroseconds = uint32(envInt("SLICETIME_SLICE_MICROSECONDS", int(out.SliceMicroseconds)))
	out.MinClients = envInt("SLICETIME_MIN_CLIENTS", out.MinClients)
	out.MaxPeriod = uint32(envInt("SLICETIME_MAX_PERIOD", int(out.MaxPeriod)))
	out.LogLevel = envOr("SLICETIME_LOG_LEVEL", out.LogLevel)
	out.AuditDSN = envOr("SLICETIME_AUDIT_DSN", out.AuditDSN)

	if out.MinClients < 1 {
		return nil, fmt.Errorf("config: min_clients must be at least 1, got %d", out.MinClients)
	}
	if out.SliceMicroseconds == 0 {
		return nil, fmt.Errorf("config: slice_microseconds must be nonzero")
	}
	return out, nil
}

// LoadClientConfig reads path (an INI file with [GENERAL] and [CLIENT]
// sections), applies SLICETIME_* environment overrides, validates required
// fields, and returns a ready-to-use ClientConfig.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to load %q: %w", path, err)
	}

	general := cfg.Section("GENERAL")
	client := cfg.Section("CLIENT")

	out := &ClientConfig{
		ServerAddress:      client.Key("server_address").MustString(""),
		ServerPort:         client.Key("server_port").MustInt(0),
		ClientAddress:      client.Key("client_address").MustString("0.0.0.0"),
		ClientPort:         client.Key("client_port").MustInt(0),
		ClientID:           uint16(client.Key("client_id").MustInt(0)),
		ClientType:         wire.ClientType(client.Key("client_type").MustInt(int(wire.ClientTypeOther))),
		ClientDescription:  client.Key("description").MustString(""),
		RecvTimeoutSeconds: client.Key("recv_timeout_seconds").MustFloat64(0),
		LogLevel:           general.Key("log_level").MustString("info"),
	}

	out.ServerAddress = envOr("SLICETIME_SERVER_ADDRESS", out.ServerAddress)
	out.ServerPort = envInt("SLICETIME_SERVER_PORT", out.ServerPort)
	out.ClientAddress = envOr("SLICETIME_CLIENT_ADDRESS", out.ClientAddress)
	out.ClientPort = envInt("SLICETIME_CLIENT_PORT", out.ClientPort)
	out.ClientID = uint16(envInt("SLICETIME_CLIENT_ID", int(out.ClientID)))
	out.ClientDescription = envOr("SLICETIME_CLIENT_DESCRIPTION", out.ClientDescription)
	out.LogLevel = envOr("SLICETIME_LOG_LEVEL", out.LogLevel)

	if out.ServerAddress == "" {
		return nil, fmt.Errorf("config: server_address is required")
	}
	if out.ServerPort == 0 {
		return nil, fmt.Errorf("config: server_port is required")
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
