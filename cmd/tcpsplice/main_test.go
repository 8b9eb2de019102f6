package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpsplice/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tcpsplice dev\n", out)
}

func TestConfigCommandJSON(t *testing.T) {
	out, err := execute(t, "config", "--format", "json")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, *config.DefaultConfig(), cfg)
}

func TestConfigCommandRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flows:\n  bucketSize: 65\n"), 0644))
	_, err := execute(t, "--config", path, "config")
	assert.Error(t, err)
}

func TestConfigInitWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg := config.DefaultConfig()
	require.NoError(t, config.LoadFromFile(path, cfg))
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestDebugEnv(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		t.Setenv("DEBUG", v)
		assert.True(t, debugEnv(), v)
	}
	t.Setenv("DEBUG", "0")
	assert.False(t, debugEnv())
}
