//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 100, cfg.Runner.MaxSteps)
	assert.Equal(t, 30*time.Minute, cfg.Runner.SessionTTL.Std())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  name: gpt-4o
  api_key_env: MY_KEY
checkpoint:
  backend: redis
  address: 127.0.0.1:6379
  ttl: 2h
runner:
  pool_size: 8
  session_ttl: 10m
  max_steps: 20
server:
  addr: ":9090"
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.Model.Name)
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Checkpoint.TTL.Std())
	assert.Equal(t, 8, cfg.Runner.PoolSize)
	assert.Equal(t, 10*time.Minute, cfg.Runner.SessionTTL.Std())
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset sections keep their defaults.
	assert.Equal(t, "/bin/bash", cfg.Environment.Shell)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "checkpoint:\n  backend: dynamo\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown checkpoint backend")
}

func TestLoadRejectsRedisWithoutAddress(t *testing.T) {
	path := writeConfig(t, "checkpoint:\n  backend: redis\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "runner:\n  session_ttl: soon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv("TASKPILOT_TEST_KEY", "sekrit")
	cfg := Default()
	cfg.Model.APIKeyEnv = "TASKPILOT_TEST_KEY"
	assert.Equal(t, "sekrit", cfg.APIKey())

	cfg.Model.APIKeyEnv = ""
	assert.Equal(t, "", cfg.APIKey())
}
