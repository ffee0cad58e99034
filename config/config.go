// Package config loads the daemon's own TOML configuration file:
// runtime directories, the IPC socket path, the persisted graph path,
// the default stop-script grace period, and the log level. None of
// this is part of the live service graph's own contract, but a daemon
// cannot boot without it.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of kanseid.toml.
type Config struct {
	Rundir     string `toml:"rundir"`
	SocketPath string `toml:"socket_path"`
	GraphPath  string `toml:"graph_path"`
	StopGrace  string `toml:"stop_grace"`
	LogLevel   string `toml:"log_level"`
}

// Defaults used for any field left unset in the file.
func Defaults() Config {
	return Config{
		Rundir:     "/run/kansei",
		SocketPath: "/run/kansei/kansei.sock",
		GraphPath:  "/etc/kansei/graph.json",
		StopGrace:  "10s",
		LogLevel:   "info",
	}
}

// Load reads and decodes the TOML file at path, filling unset fields
// from Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config %q: %w", path, err)
	}
	return cfg, nil
}

// StopGraceDuration parses StopGrace, falling back to 10s on a bad or
// empty value rather than failing the whole daemon over one field.
func (c Config) StopGraceDuration() time.Duration {
	d, err := time.ParseDuration(c.StopGrace)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}
