// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fentz26/conductor/internal/artifacts"
	"github.com/fentz26/conductor/internal/fanout"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/supervisor"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig locates the database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level YAML structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Worker      supervisor.Config `yaml:"worker"`
	Scheduler   scheduler.Config  `yaml:"scheduler"`
	Fanout      fanout.Config     `yaml:"fanout"`
	Artifacts   artifacts.Config  `yaml:"artifacts"`
	WatchOutput bool              `yaml:"watch_output"`
	Log         LogConfig         `yaml:"log"`
}

// Dir returns the directory holding the default config and database.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Listen: "127.0.0.1:7466"},
		Store:     StoreConfig{Path: filepath.Join(Dir(), "conductor.db")},
		Worker:    *supervisor.DefaultConfig(),
		Scheduler: *scheduler.DefaultConfig(),
		Fanout:    fanout.DefaultConfig(),
		Artifacts: artifacts.DefaultConfig(),
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Fanout.Validate(); err != nil {
		return fmt.Errorf("fanout: %w", err)
	}
	if c.Artifacts.MaxContentBytes < 0 {
		return fmt.Errorf("artifacts.max_content_bytes must not be negative")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Supervisor returns the worker settings with the top-level watch flag
// applied.
func (c *Config) Supervisor() *supervisor.Config {
	w := c.Worker
	w.WatchOutput = c.WatchOutput
	return &w
}
