// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

// Package config loads Handraise configuration from a YAML file with
// environment-variable overrides. Configuration is read at call time for
// each new ask: changing it never affects a request already in flight.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/freitascorp/handraise/pkg/history"
)

// Defaults applied by Load when the file and environment are silent.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 0 // ephemeral; the health endpoint reports the bound port
	DefaultRPCPath      = "/rpc"
	DefaultHistoryLimit = 100
)

// ListenConfig controls the HTTP listener.
type ListenConfig struct {
	Host string `yaml:"host" env:"HANDRAISE_HOST"`
	Port int    `yaml:"port" env:"HANDRAISE_PORT"`
	// RPCPath is where JSON-RPC requests are POSTed.
	RPCPath string `yaml:"rpc_path" env:"HANDRAISE_RPC_PATH"`
}

// AskConfig controls per-request behavior. It is sampled when a tools/call
// arrives.
type AskConfig struct {
	// TimeoutSeconds is the total countdown budget per ask. 0 means wait
	// forever.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"HANDRAISE_TIMEOUT_SECONDS"`
	// AutoSubmit tells panels to submit the highlighted default answer
	// when the countdown runs low.
	AutoSubmit bool `yaml:"auto_submit" env:"HANDRAISE_AUTO_SUBMIT"`
	// MaxConcurrent caps simultaneously pending asks. 0 means unlimited.
	// Read once at startup, not hot-reloaded.
	MaxConcurrent int `yaml:"max_concurrent" env:"HANDRAISE_MAX_CONCURRENT"`
	// SessionID labels this server's asks in history. Defaults to the
	// hostname.
	SessionID string `yaml:"session_id" env:"HANDRAISE_SESSION_ID"`
}

// Config is the full Handraise configuration.
type Config struct {
	Listen  ListenConfig        `yaml:"listen"`
	Ask     AskConfig           `yaml:"ask"`
	History history.StoreConfig `yaml:"history"`
}

// Timeout returns the configured countdown budget as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Ask.TimeoutSeconds) * time.Second
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

// DefaultPath returns the default config file location
// (~/.handraise/config.yaml).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".handraise", "config.yaml")
}

// DefaultDataDir returns the default data directory (~/.handraise).
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".handraise")
}

// Load reads the YAML file at path (a missing file is not an error — all
// defaults apply) and then applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Listen: ListenConfig{
			Host:    DefaultHost,
			Port:    DefaultPort,
			RPCPath: DefaultRPCPath,
		},
		History: history.StoreConfig{
			Backend: "memory",
			Limit:   DefaultHistoryLimit,
			DataDir: DefaultDataDir(),
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file; defaults plus environment.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if cfg.Ask.SessionID == "" {
		host, _ := os.Hostname()
		cfg.Ask.SessionID = host
	}
	if cfg.Listen.RPCPath == "" {
		cfg.Listen.RPCPath = DefaultRPCPath
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = DefaultHistoryLimit
	}

	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
