// Package config loads, validates, and exposes runtime configuration from
// asteroniris.toml plus environment overrides.
package config

import (
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	APIKey      string  `toml:"api_key"`
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`

	Workspace string `toml:"workspace"`

	Memory        MemoryConfig             `toml:"memory"`
	Gateway       GatewayConfig            `toml:"gateway"`
	Channels      map[string]ChannelConfig `toml:"channels"`
	Autonomy      AutonomyConfig           `toml:"autonomy"`
	Reliability   ReliabilityConfig        `toml:"reliability"`
	Observability ObservabilityConfig      `toml:"observability"`
	Scheduler     SchedulerConfig          `toml:"scheduler"`
	Vault         VaultConfig              `toml:"vault"`
}

// MemoryConfig selects and tunes the memory backend.
type MemoryConfig struct {
	Backend             string  `toml:"backend"` // kv+fts+vector | columnar-vector | append-only-text | none
	EmbeddingProvider   string  `toml:"embedding_provider"`
	EmbeddingModel      string  `toml:"embedding_model"`
	EmbeddingDimensions int     `toml:"embedding_dimensions"`
	VectorWeight        float64 `toml:"vector_weight"`
	KeywordWeight       float64 `toml:"keyword_weight"`
	EmbeddingCacheSize  int     `toml:"embedding_cache_size"`
	AutoSave            bool    `toml:"auto_save"`
	RedisAddr           string  `toml:"redis_addr"`
}

// GatewayConfig tunes the HTTP ingress surface.
type GatewayConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	RequirePairing  bool     `toml:"require_pairing"`
	AllowPublicBind bool     `toml:"allow_public_bind"`
	DefenseMode     string   `toml:"defense_mode"` // audit | warn | enforce
	CORSOrigins     []string `toml:"cors_origins"`
	BodyLimitBytes  int64    `toml:"body_limit_bytes"`
	RequestTimeout  Duration `toml:"request_timeout"`
}

// ChannelConfig configures one transport channel adapter.
type ChannelConfig struct {
	Enabled      bool     `toml:"enabled"`
	TokenEnv     string   `toml:"token_env"`
	AppTokenEnv  string   `toml:"app_token_env"` // Slack socket-mode app token
	ChannelID    string   `toml:"channel_id"`
	AllowedUsers []string `toml:"allowed_users"`
	Autonomy     string   `toml:"autonomy"`
	AllowedTools []string `toml:"allowed_tools"`
}

// AutonomyConfig bounds what the agent may do on its own.
type AutonomyConfig struct {
	Level             string   `toml:"level"` // read-only | supervised | full
	WorkspaceOnly     bool     `toml:"workspace_only"`
	AllowedCommands   []string `toml:"allowed_commands"`
	ForbiddenPaths    []string `toml:"forbidden_paths"`
	MaxActionsPerHour int      `toml:"max_actions_per_hour"`
	MaxCostPerDay     int      `toml:"max_cost_per_day_cents"`
}

// ReliabilityConfig tunes provider retry and fallback behavior.
type ReliabilityConfig struct {
	FallbackProviders []string `toml:"fallback_providers"`
	ProviderRetries   int      `toml:"provider_retries"`
	ProviderBackoffMS int      `toml:"provider_backoff_ms"`
}

// ObservabilityConfig selects the metrics backend.
type ObservabilityConfig struct {
	Backend string `toml:"backend"` // none | log | prometheus | otel
}

// SchedulerConfig tunes the cron scheduler and self-task queue.
type SchedulerConfig struct {
	TickInterval        Duration `toml:"tick_interval"`
	MaxPendingSelfTasks int      `toml:"max_pending_self_tasks"`
}

// VaultConfig configures the at-rest secret store.
type VaultConfig struct {
	Encrypt bool   `toml:"encrypt"`
	KeyPath string `toml:"key_path"`
}

// Duration wraps time.Duration for TOML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML durations.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }
