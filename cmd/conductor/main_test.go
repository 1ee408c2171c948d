package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDaemonConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	t.Cleanup(func() { configPath = "" })
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  listen: \":9000\"\nworker:\n  max_concurrent: 4\n"), 0o644))

	cmd := daemonCmd
	require.NoError(t, cmd.Flags().Set("db", filepath.Join(dir, "x.db")))
	require.NoError(t, cmd.Flags().Set("watch-output", "true"))
	t.Cleanup(func() {
		cmd.Flags().Lookup("db").Changed = false
		cmd.Flags().Lookup("watch-output").Changed = false
	})

	cfg, err := loadDaemonConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen, "file value kept when the flag is unset")
	assert.Equal(t, filepath.Join(dir, "x.db"), cfg.Store.Path)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrent)
	assert.True(t, cfg.Supervisor().WatchOutput)
}

func TestLoadDaemonConfigRejectsInvalid(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "config.yaml")
	t.Cleanup(func() { configPath = "" })
	require.NoError(t, os.WriteFile(configPath, []byte("log:\n  format: xml\n"), 0o644))

	_, err := loadDaemonConfig(daemonCmd)
	assert.ErrorContains(t, err, "invalid config")
}

func TestReadPrompt(t *testing.T) {
	p, err := readPrompt([]string{"Build a todo list API"})
	require.NoError(t, err)
	assert.Equal(t, "Build a todo list API", p)

	promptFile = filepath.Join(t.TempDir(), "prompt.txt")
	t.Cleanup(func() { promptFile = "" })
	require.NoError(t, os.WriteFile(promptFile, []byte("from a file"), 0o644))
	p, err = readPrompt(nil)
	require.NoError(t, err)
	assert.Equal(t, "from a file", p)

	promptFile = ""
	_, err = readPrompt(nil)
	assert.Error(t, err)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n  b\tc "))
	assert.Equal(t, "abcdefgh", truncateID("abcdefgh-1234"))
	assert.Equal(t, "abc...", truncate("abcdefghij", 6))
}
