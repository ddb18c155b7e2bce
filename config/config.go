//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package config loads the taskpilot configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30m" or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ModelConfig selects the backing model provider.
type ModelConfig struct {
	// Name is the model identifier, e.g. "gpt-4o-mini".
	Name string `yaml:"name"`
	// BaseURL overrides the provider endpoint for compatible gateways.
	BaseURL string `yaml:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env"`
}

// CheckpointConfig selects where thread checkpoints are stored.
type CheckpointConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`
	// Address is the redis host:port; ignored for the memory backend.
	Address string `yaml:"address,omitempty"`
	// Password is the redis password, if any.
	Password string `yaml:"password,omitempty"`
	// DB is the redis database number.
	DB int `yaml:"db,omitempty"`
	// TTL expires a thread's checkpoints after inactivity. Zero keeps
	// them forever.
	TTL Duration `yaml:"ttl,omitempty"`
}

// RunnerConfig tunes the thread runner.
type RunnerConfig struct {
	// PoolSize bounds concurrent thread advances.
	PoolSize int `yaml:"pool_size"`
	// SessionTTL drops idle sessions and releases their resources.
	SessionTTL Duration `yaml:"session_ttl"`
	// MaxSteps bounds a single thread advance.
	MaxSteps int `yaml:"max_steps"`
}

// EnvironmentConfig tunes per-thread live resources.
type EnvironmentConfig struct {
	// DevtoolsURL is the Chrome DevTools endpoint for browser sessions.
	DevtoolsURL string `yaml:"devtools_url"`
	// Shell is the terminal shell binary.
	Shell string `yaml:"shell"`
	// Workdir is the terminal working directory; empty inherits the
	// process working directory.
	Workdir string `yaml:"workdir,omitempty"`
	// IdleTTL evicts environments for threads idle past this duration.
	IdleTTL Duration `yaml:"idle_ttl"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
}

// TelemetryConfig tunes trace export.
type TelemetryConfig struct {
	// Enabled turns on OTLP trace export.
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP HTTP collector, host:port.
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Config is the full taskpilot configuration.
type Config struct {
	Model       ModelConfig       `yaml:"model"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Runner      RunnerConfig      `yaml:"runner"`
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Name:      "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
		},
		Runner: RunnerConfig{
			PoolSize:   64,
			SessionTTL: Duration(30 * time.Minute),
			MaxSteps:   100,
		},
		Environment: EnvironmentConfig{
			DevtoolsURL: "http://127.0.0.1:9222",
			Shell:       "/bin/bash",
			IdleTTL:     Duration(15 * time.Minute),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// APIKey resolves the model API key from the environment.
func (c *Config) APIKey() string {
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

func (c *Config) validate() error {
	switch c.Checkpoint.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == "redis" && c.Checkpoint.Address == "" {
		return fmt.Errorf("redis checkpoint backend needs an address")
	}
	if c.Runner.PoolSize <= 0 {
		return fmt.Errorf("runner pool_size must be positive")
	}
	if c.Runner.MaxSteps <= 0 {
		return fmt.Errorf("runner max_steps must be positive")
	}
	return nil
}
