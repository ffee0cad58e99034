package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsToUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kanseid.toml")
	if err := os.WriteFile(path, []byte(`socket_path = "/tmp/custom.sock"`+"\n"), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Errorf("SocketPath = %q, want override", cfg.SocketPath)
	}
	if cfg.Rundir != Defaults().Rundir {
		t.Errorf("Rundir = %q, expected default to survive a partial file", cfg.Rundir)
	}
}

func TestStopGraceDurationFallsBackOnBadValue(t *testing.T) {
	cfg := Config{StopGrace: "not-a-duration"}
	if got := cfg.StopGraceDuration(); got != 10*time.Second {
		t.Errorf("StopGraceDuration = %v, want 10s fallback", got)
	}

	cfg = Config{StopGrace: "30s"}
	if got := cfg.StopGraceDuration(); got != 30*time.Second {
		t.Errorf("StopGraceDuration = %v, want 30s", got)
	}
}
