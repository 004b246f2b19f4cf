package meshcfg

import (
	"log/slog"
	"strings"
	"testing"
)

func TestNewMeshConfigAppliesDefaults(t *testing.T) {
	cfg, err := NewMeshConfig(Options{NetworkName: "home"})
	if err != nil {
		t.Fatalf("NewMeshConfig: %v", err)
	}
	if cfg.HomeDir != DefaultHomeDirName {
		t.Fatalf("HomeDir = %q, want default", cfg.HomeDir)
	}
	if cfg.ListenPort != DefaultMeshPort {
		t.Fatalf("ListenPort = %d, want %d", cfg.ListenPort, DefaultMeshPort)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v, want Info", cfg.LogLevel)
	}
}

func TestNewMeshConfigRequiresNetworkName(t *testing.T) {
	if _, err := NewMeshConfig(Options{}); err == nil {
		t.Fatal("expected error with empty network name")
	}
}

func TestNewMeshConfigRejectsUnknownLogLevel(t *testing.T) {
	_, err := NewMeshConfig(Options{NetworkName: "home", LogLevel: "verbose"})
	if err == nil {
		t.Fatal("expected error for unknown log level")
	}
	if !strings.Contains(err.Error(), "verbose") {
		t.Fatalf("error = %v, want to mention the bad level", err)
	}
}

func TestNewMeshConfigHonorsExplicitValues(t *testing.T) {
	cfg, err := NewMeshConfig(Options{
		NetworkName: "home",
		HomeDir:     "/srv/omerta",
		ListenPort:  9000,
		LogLevel:    "debug",
	})
	if err != nil {
		t.Fatalf("NewMeshConfig: %v", err)
	}
	if cfg.HomeDir != "/srv/omerta" || cfg.ListenPort != 9000 || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("cfg = %+v, defaults were not overridden", cfg)
	}
}
