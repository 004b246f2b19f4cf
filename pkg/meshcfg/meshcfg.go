// Package meshcfg holds MeshConfig, the plain value record the daemon as a
// whole is constructed from (bootstrap.Config and pathfail.Config live in
// their own packages). It does not carry defaults that change at runtime or live as a global singleton;
// callers build one value once and pass it down, the way
// pkg/daemon/config.go's Config is built once by NewConfig and threaded
// through every component that needs it.
package meshcfg

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultMeshPort is the default UDP port a node's transport binds,
	// analogous to the teacher's DefaultWGPort for its WireGuard listener.
	DefaultMeshPort = 47800
	// DefaultHomeDirName is the directory under $HOME all on-disk state
	// (identities, peer stores, admin socket) lives under.
	DefaultHomeDirName = ".omerta/mesh"
)

// MeshConfig is the top-level configuration a node is constructed from.
type MeshConfig struct {
	NetworkName  string
	HomeDir      string
	ListenPort   int
	LogLevel     slog.Level
	OTLPEndpoint string
}

// Options are the raw inputs NewMeshConfig applies defaults to, the way
// DaemonOpts feeds NewConfig.
type Options struct {
	NetworkName  string
	HomeDir      string
	ListenPort   int
	LogLevel     string
	OTLPEndpoint string
}

// NewMeshConfig applies defaults to opts and returns a ready MeshConfig.
func NewMeshConfig(opts Options) (MeshConfig, error) {
	if opts.NetworkName == "" {
		return MeshConfig{}, fmt.Errorf("meshcfg: network name is required")
	}

	homeDir := opts.HomeDir
	if homeDir == "" {
		homeDir = DefaultHomeDirName
	}

	port := opts.ListenPort
	if port == 0 {
		port = DefaultMeshPort
	}

	level, err := parseLevel(opts.LogLevel)
	if err != nil {
		return MeshConfig{}, err
	}

	return MeshConfig{
		NetworkName:  opts.NetworkName,
		HomeDir:      homeDir,
		ListenPort:   port,
		LogLevel:     level,
		OTLPEndpoint: opts.OTLPEndpoint,
	}, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("meshcfg: unknown log level %q", s)
	}
}

// DefaultSTUNRefreshInterval is a STUN re-query interval for the NAT
// predictor's local endpoint; nothing in this module reads it, and omertad
// queries STUN once at startup. bootstrap.Config and pathfail.Config
// already carry their own DefaultConfig() constructors; this package only
// owns daemon-wide and network-identity settings.
const DefaultSTUNRefreshInterval = 5 * time.Minute
