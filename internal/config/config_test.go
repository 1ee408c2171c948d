package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/fanout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
worker:
  command: /usr/local/bin/coding-team
  args: ["solve"]
  env:
    ANTHROPIC_MODEL: haiku
  stop_grace: 3s
  max_concurrent: 4
scheduler:
  batch_size: 5
fanout:
  buffer_size: 16
  overflow_policy: disconnect
watch_output: true
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "/usr/local/bin/coding-team", cfg.Worker.Command)
	assert.Equal(t, []string{"solve"}, cfg.Worker.Args)
	assert.Equal(t, "haiku", cfg.Worker.Env["ANTHROPIC_MODEL"])
	assert.Equal(t, 3*time.Second, cfg.Worker.StopGrace)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrent)
	assert.Equal(t, "output", cfg.Worker.OutputRoot, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, fanout.Config{BufferSize: 16, Policy: fanout.Disconnect}, cfg.Fanout)
	assert.Equal(t, "json", cfg.Log.Format)

	sup := cfg.Supervisor()
	assert.True(t, sup.WatchOutput)
	assert.False(t, cfg.Worker.WatchOutput)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen", func(c *Config) { c.Server.Listen = "" }},
		{"no db", func(c *Config) { c.Store.Path = "" }},
		{"no command", func(c *Config) { c.Worker.Command = "" }},
		{"zero batch", func(c *Config) { c.Scheduler.BatchSize = 0 }},
		{"bad policy", func(c *Config) { c.Fanout.Policy = "block" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
