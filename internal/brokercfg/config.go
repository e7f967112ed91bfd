// Package brokercfg loads the broker's configuration: project
// directory, relay URL, listen address, log level, and per-operation
// timeout budgets.
//
// The precedence order (flag > env var > config file > default) and
// the viper.Unmarshal-into-a-mapstructure-tagged-struct shape is
// grounded on zjrosen-perles/cmd/root.go's initConfig, generalized from
// a TUI's single global cfg var to a value returned by Load so the
// broker's entrypoint can construct one explicitly instead of relying
// on package-level state.
package brokercfg

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Timeouts mirrors internal/orchestrator's OperationBudgets, expressed
// as a config-file-friendly struct of named durations instead of a
// map literal so it can be read from YAML/env without a custom decode
// hook.
type Timeouts struct {
	SpawnAgent   time.Duration `mapstructure:"spawn_agent"`
	ReleaseAgent time.Duration `mapstructure:"release_agent"`
	SendMessage  time.Duration `mapstructure:"send_message"`
	ListAgents   time.Duration `mapstructure:"list_agents"`
	SendInput    time.Duration `mapstructure:"send_input"`
	SetModel     time.Duration `mapstructure:"set_model"`
	GetMetrics   time.Duration `mapstructure:"get_metrics"`
	GetStatus    time.Duration `mapstructure:"get_status"`
	GetHistory   time.Duration `mapstructure:"get_history"`
	GetLogs      time.Duration `mapstructure:"get_logs"`
}

// AsMap returns Timeouts in the map[string]time.Duration shape
// internal/orchestrator.OperationBudgets expects, keyed by operation
// name.
func (t Timeouts) AsMap() map[string]time.Duration {
	return map[string]time.Duration{
		"spawn_agent":    t.SpawnAgent,
		"release_agent":  t.ReleaseAgent,
		"send_message":   t.SendMessage,
		"list_agents":    t.ListAgents,
		"send_input":     t.SendInput,
		"set_model":      t.SetModel,
		"get_metrics":    t.GetMetrics,
		"get_status":     t.GetStatus,
		"get_history":    t.GetHistory,
		"get_logs":       t.GetLogs,
	}
}

// Config is the broker's full resolved configuration.
type Config struct {
	ProjectDir string   `mapstructure:"project_dir"`
	RelayURL   string   `mapstructure:"relay_url"`
	ListenAddr string   `mapstructure:"listen_addr"`
	LogLevel   string   `mapstructure:"log_level"`
	Timeouts   Timeouts `mapstructure:"timeouts"`
}

// LockPath returns the well-known PID lock path for the broker's state
// directory — exactly one lock file per project directory.
func (c Config) LockPath() string {
	return filepath.Join(c.StateDir(), "broker.lock")
}

// TokenCachePath returns the relay token cache path in the same state
// directory: a small JSON cache of relay tokens.
func (c Config) TokenCachePath() string {
	return filepath.Join(c.StateDir(), "relay-tokens.json")
}

// LogDir returns the per-agent rolling-log directory: worker output is
// streamed to per-agent rolling files here.
func (c Config) LogDir() string {
	return filepath.Join(c.StateDir(), "logs")
}

// StateDir is the broker's state directory, nested under ProjectDir.
func (c Config) StateDir() string {
	return filepath.Join(c.ProjectDir, ".broker")
}

// Defaults returns the broker's baseline configuration: a loopback
// listen address, no relay URL (relay disabled until one is
// configured), info-level logging, and timeout budgets that are
// sub-second for listings and a few seconds for delivery-triggering
// calls.
func Defaults() Config {
	return Config{
		ListenAddr: "127.0.0.1:8787",
		LogLevel:   "info",
		Timeouts: Timeouts{
			SpawnAgent:   10 * time.Second,
			ReleaseAgent: 5 * time.Second,
			SendMessage:  5 * time.Second,
			ListAgents:   500 * time.Millisecond,
			SendInput:    2 * time.Second,
			SetModel:     500 * time.Millisecond,
			GetMetrics:   500 * time.Millisecond,
			GetStatus:    500 * time.Millisecond,
			GetHistory:   500 * time.Millisecond,
			GetLogs:      500 * time.Millisecond,
		},
	}
}

// Load resolves Config from, in ascending precedence: Defaults(), a
// config file (cfgFile if set, else "<project-dir>/.broker/config.yaml"
// if present), then BROKER_-prefixed environment variables. It does
// not bind cobra flags directly — callers that wire a cobra command
// bind flags onto the same viper.Viper before calling Load so flags
// win over everything (zjrosen-perles's BindPFlag pattern).
func Load(v *viper.Viper, cfgFile, projectDir string) (Config, error) {
	defaults := Defaults()
	v.SetDefault("project_dir", projectDir)
	v.SetDefault("relay_url", defaults.RelayURL)
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("timeouts.spawn_agent", defaults.Timeouts.SpawnAgent)
	v.SetDefault("timeouts.release_agent", defaults.Timeouts.ReleaseAgent)
	v.SetDefault("timeouts.send_message", defaults.Timeouts.SendMessage)
	v.SetDefault("timeouts.list_agents", defaults.Timeouts.ListAgents)
	v.SetDefault("timeouts.send_input", defaults.Timeouts.SendInput)
	v.SetDefault("timeouts.set_model", defaults.Timeouts.SetModel)
	v.SetDefault("timeouts.get_metrics", defaults.Timeouts.GetMetrics)
	v.SetDefault("timeouts.get_status", defaults.Timeouts.GetStatus)
	v.SetDefault("timeouts.get_history", defaults.Timeouts.GetHistory)
	v.SetDefault("timeouts.get_logs", defaults.Timeouts.GetLogs)

	v.SetEnvPrefix("broker")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		candidate := filepath.Join(projectDir, ".broker", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			v.SetConfigFile(candidate)
		}
	}

	if v.ConfigFileUsed() != "" || cfgFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("brokercfg: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("brokercfg: unmarshal config: %w", err)
	}
	if cfg.ProjectDir == "" {
		cfg.ProjectDir = projectDir
	}
	return cfg, nil
}
