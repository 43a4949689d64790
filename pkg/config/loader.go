package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Initialize loads, applies overrides, validates, and returns ready-to-use
// configuration. This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load asteroniris.toml from configPath (missing file yields defaults)
//  2. Apply built-in defaults for unset values
//  3. Apply environment overrides
//  4. Validate the resolved configuration
func Initialize(configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("Initializing configuration")

	cfg, err := load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"provider", cfg.Provider,
		"model", cfg.Model,
		"memory_backend", cfg.Memory.Backend,
		"autonomy", cfg.Autonomy.Level,
		"channels", len(cfg.Channels))

	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := &Config{
		Channels: make(map[string]ChannelConfig),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTOML, err)
	}

	return cfg, nil
}

// applyDefaults fills unset values with built-in defaults.
func applyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Workspace = filepath.Join(home, ".asteroniris")
	}

	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "kv+fts+vector"
	}
	if cfg.Memory.VectorWeight == 0 && cfg.Memory.KeywordWeight == 0 {
		cfg.Memory.VectorWeight = 0.7
		cfg.Memory.KeywordWeight = 0.3
	}
	if cfg.Memory.EmbeddingCacheSize == 0 {
		cfg.Memory.EmbeddingCacheSize = 4096
	}
	if cfg.Memory.EmbeddingDimensions == 0 {
		cfg.Memory.EmbeddingDimensions = 1536
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8723
	}
	if cfg.Gateway.DefenseMode == "" {
		cfg.Gateway.DefenseMode = "enforce"
	}
	if cfg.Gateway.BodyLimitBytes == 0 {
		cfg.Gateway.BodyLimitBytes = 64 * 1024
	}
	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = Duration(30 * time.Second)
	}

	if cfg.Autonomy.Level == "" {
		cfg.Autonomy.Level = "supervised"
	}
	if len(cfg.Autonomy.AllowedCommands) == 0 {
		cfg.Autonomy.AllowedCommands = DefaultAllowedCommands()
	}
	if cfg.Autonomy.MaxActionsPerHour == 0 {
		cfg.Autonomy.MaxActionsPerHour = 30
	}
	if cfg.Autonomy.MaxCostPerDay == 0 {
		cfg.Autonomy.MaxCostPerDay = 500
	}

	if cfg.Reliability.ProviderRetries == 0 {
		cfg.Reliability.ProviderRetries = 2
	}
	if cfg.Reliability.ProviderBackoffMS == 0 {
		cfg.Reliability.ProviderBackoffMS = 500
	}

	if cfg.Observability.Backend == "" {
		cfg.Observability.Backend = "log"
	}

	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = Duration(15 * time.Second)
	}
	if cfg.Scheduler.MaxPendingSelfTasks == 0 {
		cfg.Scheduler.MaxPendingSelfTasks = 5
	}

	if cfg.Vault.KeyPath == "" {
		cfg.Vault.KeyPath = filepath.Join(cfg.Workspace, ".secret_key")
	}
}

// applyEnvOverrides applies environment variables over file values.
// Environment always wins.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		} else {
			slog.Warn("Invalid GATEWAY_PORT, keeping configured value", "value", v)
		}
	}
	if v := os.Getenv("TEMPERATURE"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = t
		} else {
			slog.Warn("Invalid TEMPERATURE, keeping configured value", "value", v)
		}
	}
}

// DefaultAllowedCommands returns the built-in shell command allowlist.
func DefaultAllowedCommands() []string {
	return []string{"git", "ls", "cat", "grep", "rg", "find", "head", "tail", "wc", "date", "echo"}
}

// DefaultForbiddenPaths returns path prefixes no tool may touch regardless of
// workspace configuration.
func DefaultForbiddenPaths() []string {
	return []string{
		"/etc", "/root", "/boot", "/dev", "/proc", "/sys",
		"/var/run", "/usr/lib", "/usr/bin", "/bin", "/sbin",
	}
}
