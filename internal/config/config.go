// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for chatwire.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - path passed explicitly to LoadFrom
//   - ~/.chatwire/config.toml
//   - Built-in defaults
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Defaults.
const (
	// DefaultMaxFunctionRounds caps function-call loop rounds per
	// submission.
	DefaultMaxFunctionRounds = 8

	// DefaultRequestTimeoutSecs is the per-submission deadline applied by
	// the CLI (0 = no deadline). The controller itself never times out;
	// the deadline works through the request context, so an expired
	// submission resolves the same way a stopped one does.
	DefaultRequestTimeoutSecs = 0
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatwire configuration.
type Config struct {
	// Endpoint is the chat-completion URL requests are POSTed to.
	Endpoint string `toml:"endpoint"`

	// Headers are sent on every request (e.g. Authorization).
	Headers map[string]string `toml:"headers"`

	// Body holds extra top-level request body fields forwarded verbatim
	// (model name, temperature, and similar endpoint knobs).
	Body map[string]interface{} `toml:"body"`

	// RequestTimeoutSecs is the per-submission deadline in seconds
	// applied by the CLI. 0 disables it.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`

	// MaxFunctionRounds caps handler invocations per submission.
	MaxFunctionRounds int `toml:"max_function_rounds"`

	// Rate limiting (client-side). 0 disables it.
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
	RateLimitBurst  int     `toml:"rate_limit_burst"`
}

// Default returns the built-in default configuration.
func Default() Config {
	return Config{
		Headers:            make(map[string]string),
		Body:               make(map[string]interface{}),
		RequestTimeoutSecs: DefaultRequestTimeoutSecs,
		MaxFunctionRounds:  DefaultMaxFunctionRounds,
		RateLimitBurst:     1,
	}
}

// =============================================================================
// LOADING
// =============================================================================

// ConfigDir returns the chatwire configuration directory, creating it if
// needed.
func ConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(homeDir, ".chatwire")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultPath returns the default configuration file path.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the configuration from the default path, falling back to
// defaults when the file does not exist, then applies environment
// overrides and validates.
func Load() (Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from path. A missing file is not an
// error; defaults are used. Environment overrides are applied after the
// file, and the result is validated.
func LoadFrom(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv applies CHATWIRE_* environment variable overrides.
//
//	CHATWIRE_ENDPOINT        overrides Endpoint
//	CHATWIRE_API_KEY         sets an Authorization: Bearer header
//	CHATWIRE_MAX_ROUNDS      overrides MaxFunctionRounds
//	CHATWIRE_TIMEOUT_SECS    overrides RequestTimeoutSecs
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATWIRE_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("CHATWIRE_API_KEY"); v != "" {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers["Authorization"] = "Bearer " + v
	}
	if v := os.Getenv("CHATWIRE_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxFunctionRounds = n
		}
	}
	if v := os.Getenv("CHATWIRE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.RequestTimeoutSecs = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required (config file or CHATWIRE_ENDPOINT)")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("endpoint %q is not a valid URL", c.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme %q is not supported", u.Scheme)
	}
	if c.MaxFunctionRounds <= 0 {
		return errors.New("max_function_rounds must be positive")
	}
	if c.RequestTimeoutSecs < 0 {
		return errors.New("request_timeout_secs must not be negative")
	}
	if c.RateLimitPerSec < 0 {
		return errors.New("rate_limit_per_sec must not be negative")
	}
	if c.RateLimitPerSec > 0 && c.RateLimitBurst <= 0 {
		return errors.New("rate_limit_burst must be positive when rate limiting is enabled")
	}
	return nil
}
