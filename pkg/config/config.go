// Package config loads the server configuration from a YAML file with
// sensible defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conductorhq/conductor/pkg/backend"
)

// Config is the full daemon configuration.
type Config struct {
	// Addr is the API listen address.
	Addr string `yaml:"addr"`

	// DataDir is the root of the persistent store.
	DataDir string `yaml:"data_dir"`

	// Backend selects how execution backends are provisioned.
	Backend BackendConfig `yaml:"backend"`

	// HealthInterval is how often backend liveness is polled.
	HealthInterval time.Duration `yaml:"health_interval"`

	// SyncInterval is how often session state is pulled and persisted.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BackendConfig selects and tunes the execution backend provider.
type BackendConfig struct {
	// Kind is "docker" or "local".
	Kind string `yaml:"kind"`

	// Images maps engine name to container image (docker).
	Images map[string]string `yaml:"images"`

	// Commands maps engine name to the command run per query (local).
	Commands map[string][]string `yaml:"commands"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:    "127.0.0.1:8080",
		DataDir: defaultDataDir(),
		Backend: BackendConfig{
			Kind: "docker",
			Images: map[string]string{
				backend.EngineClaude: "conductor/engine-claude:latest",
				backend.EngineCodex:  "conductor/engine-codex:latest",
			},
		},
		HealthInterval:  30 * time.Second,
		SyncInterval:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return home + "/.conductor"
}

// Load reads the YAML file and overlays it on the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.validate()
}

func (c Config) validate() (Config, error) {
	switch c.Backend.Kind {
	case "docker", "local":
	default:
		return c, fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Addr == "" {
		return c, fmt.Errorf("addr is required")
	}
	if c.DataDir == "" {
		return c, fmt.Errorf("data_dir is required")
	}
	return c, nil
}
