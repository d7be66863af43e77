package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"go.tickamp.dev/crac"
)

// configEnv names the environment variable holding the path of an optional
// YAML configuration file.
const configEnv = "CRAC_SERVER_CONFIG"

// Snapshot modes.
const (
	modeSimulated = "simulated"
	modeCommand   = "command"
)

// Config is the configuration of the server.
type Config struct {
	// Address the listener binds to.
	Addr string `yaml:"addr"`
	// Time given to in-flight requests before a checkpoint or on shutdown.
	GracePeriod time.Duration `yaml:"grace_period"`
	// Time after which the listener is stopped regardless of in-flight
	// requests.
	HardTimeout time.Duration `yaml:"hard_timeout"`
	// Time spent retrying to bind an address in use after a restore.
	BindTimeout time.Duration  `yaml:"bind_timeout"`
	Log         LogConfig      `yaml:"log"`
	Snapshot    SnapshotConfig `yaml:"snapshot"`
}

// LogConfig configures logging.
type LogConfig struct {
	// One of the logrus levels.
	Level string `yaml:"level"`
	// text or json.
	Format string `yaml:"format"`
}

// SnapshotConfig selects how the process image is captured.
type SnapshotConfig struct {
	// simulated or command.
	Mode string `yaml:"mode"`
	// Command run in command mode, {pid} is replaced by the process id.
	Command []string `yaml:"command"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		GracePeriod: crac.DefaultGracePeriod,
		HardTimeout: crac.DefaultHardTimeout,
		BindTimeout: time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Snapshot: SnapshotConfig{
			Mode: modeSimulated,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.GracePeriod <= 0 || c.HardTimeout <= 0 {
		return errors.New("grace_period and hard_timeout must be positive")
	}
	if c.HardTimeout < c.GracePeriod {
		return errors.New("hard_timeout must not be shorter than grace_period")
	}
	if c.BindTimeout < 0 {
		return errors.New("bind_timeout must not be negative")
	}
	switch c.Snapshot.Mode {
	case modeSimulated:
	case modeCommand:
		if len(c.Snapshot.Command) == 0 {
			return errors.New("snapshot.command is required in command mode")
		}
	default:
		return fmt.Errorf("unknown snapshot mode %q", c.Snapshot.Mode)
	}
	return nil
}

// snapshotter returns the snapshotter selected by the configuration.
func (c Config) snapshotter(logger crac.Logger) crac.Snapshotter {
	if c.Snapshot.Mode == modeCommand {
		return &crac.CommandSnapshotter{
			Path:   c.Snapshot.Command[0],
			Args:   c.Snapshot.Command[1:],
			Logger: logger,
		}
	}
	return crac.Simulated
}
