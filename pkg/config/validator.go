package config

import (
	"errors"
	"fmt"
)

var validMemoryBackends = map[string]bool{
	"kv+fts+vector":    true,
	"columnar-vector":  true,
	"append-only-text": true,
	"none":             true,
}

var validDefenseModes = map[string]bool{
	"audit":   true,
	"warn":    true,
	"enforce": true,
}

var validAutonomyLevels = map[string]bool{
	"read-only":  true,
	"supervised": true,
	"full":       true,
}

var validObservabilityBackends = map[string]bool{
	"none":       true,
	"log":        true,
	"prometheus": true,
	"otel":       true,
}

// validate performs comprehensive validation on loaded configuration.
// All violations are collected and reported together.
func validate(cfg *Config) error {
	var errs []error

	if !validMemoryBackends[cfg.Memory.Backend] {
		errs = append(errs, fmt.Errorf("%w: memory.backend %q", ErrInvalidValue, cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == "columnar-vector" && cfg.Memory.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("%w: memory.redis_addr is required for the columnar-vector backend", ErrInvalidValue))
	}
	if cfg.Memory.VectorWeight < 0 || cfg.Memory.KeywordWeight < 0 {
		errs = append(errs, fmt.Errorf("%w: memory weights must be non-negative", ErrInvalidValue))
	}
	if cfg.Memory.VectorWeight+cfg.Memory.KeywordWeight == 0 {
		errs = append(errs, fmt.Errorf("%w: memory weights must not both be zero", ErrInvalidValue))
	}

	if !validDefenseModes[cfg.Gateway.DefenseMode] {
		errs = append(errs, fmt.Errorf("%w: gateway.defense_mode %q", ErrInvalidValue, cfg.Gateway.DefenseMode))
	}
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: gateway.port %d", ErrInvalidValue, cfg.Gateway.Port))
	}

	if !validAutonomyLevels[cfg.Autonomy.Level] {
		errs = append(errs, fmt.Errorf("%w: autonomy.level %q", ErrInvalidValue, cfg.Autonomy.Level))
	}
	if cfg.Autonomy.MaxActionsPerHour < 1 {
		errs = append(errs, fmt.Errorf("%w: autonomy.max_actions_per_hour must be positive", ErrInvalidValue))
	}
	if cfg.Autonomy.MaxCostPerDay < 1 {
		errs = append(errs, fmt.Errorf("%w: autonomy.max_cost_per_day_cents must be positive", ErrInvalidValue))
	}

	if !validObservabilityBackends[cfg.Observability.Backend] {
		errs = append(errs, fmt.Errorf("%w: observability.backend %q", ErrInvalidValue, cfg.Observability.Backend))
	}

	for name, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if ch.Autonomy != "" && !validAutonomyLevels[ch.Autonomy] {
			errs = append(errs, fmt.Errorf("%w: channels.%s.autonomy %q", ErrInvalidValue, name, ch.Autonomy))
		}
		if ch.TokenEnv == "" {
			errs = append(errs, fmt.Errorf("%w: channels.%s.token_env is required", ErrInvalidValue, name))
		}
	}

	return errors.Join(errs...)
}
