// Package scheduler releases dependency-gated work packages in batches.
package scheduler

import "fmt"

// Config defines the scheduler configuration.
type Config struct {
	// BatchSize is the maximum number of packages in progress at once per
	// session.
	BatchSize int `yaml:"batch_size"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{BatchSize: 3}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	return nil
}
