package supervisor

import (
	"fmt"
	"time"
)

// Config controls how workers are launched.
type Config struct {
	// Command is the worker executable; Args come before the session flags.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// OutputRoot holds one directory per session.
	OutputRoot string `yaml:"output_root"`
	// StopGrace is how long a worker has to exit after SIGTERM.
	StopGrace     time.Duration `yaml:"stop_grace"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	// WatchOutput captures files as they are written instead of waiting for
	// markers or the final reconciliation.
	WatchOutput bool `yaml:"-"`
}

// DefaultConfig returns the default worker settings.
func DefaultConfig() *Config {
	return &Config{
		Command:       "python3",
		Args:          []string{"-m", "coding_team"},
		OutputRoot:    "output",
		StopGrace:     10 * time.Second,
		MaxConcurrent: 2,
	}
}

// Validate checks the worker settings.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("worker.command is required")
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("worker.output_root is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("worker.max_concurrent must be at least 1")
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("worker.stop_grace must not be negative")
	}
	return nil
}
