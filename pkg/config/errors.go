package config

import "errors"

// Sentinel errors for configuration loading and validation.
var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidTOML    = errors.New("invalid TOML")
	ErrInvalidValue   = errors.New("invalid config value")
)
