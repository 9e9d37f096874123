// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// smartreply daemon.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation. Default location: ~/.smartreply/config.toml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/smartreply/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete daemon configuration.
type Config struct {
	Version string `toml:"version"`

	Listen   ListenConfig   `toml:"listen"`
	OnDevice OnDeviceConfig `toml:"on_device"`
	Remote   RemoteConfig   `toml:"remote"`
	Limits   LimitsConfig   `toml:"limits"`
}

// ListenConfig controls the HTTP surface the extension talks to.
type ListenConfig struct {
	// Host is the bind address. Loopback only unless explicitly changed.
	Host string `toml:"host"`
	// Port is the TCP port for the extension bridge.
	Port int `toml:"port"`
	// BearerToken, when non-empty, is required on every request.
	BearerToken string `toml:"bearer_token"`
	// RateLimitPerMin is the per-client token-bucket refill rate (0 = default).
	RateLimitPerMin int `toml:"rate_limit_per_min"`
}

// OnDeviceConfig contains the local Ollama backend configuration.
type OnDeviceConfig struct {
	// OllamaURL is the URL of the local Ollama server.
	OllamaURL string `toml:"ollama_url"`
	// Model is the on-device model used for all operations.
	Model string `toml:"model"`
	// Disabled skips the on-device backend entirely.
	Disabled bool `toml:"disabled"`
}

// RemoteConfig contains the remote (Gemini) backend configuration.
type RemoteConfig struct {
	// Endpoint is the generateContent API base URL.
	Endpoint string `toml:"endpoint"`
	// Model is the remote model identifier.
	Model string `toml:"model"`
	// APIKey is the Gemini API key. Stored sealed in the local store when
	// saved through the extension; a value here overrides the store.
	APIKey string `toml:"api_key"`
	// ProxyURL, when set, routes remote calls through a user-operated proxy
	// instead of calling the API directly with the key.
	ProxyURL string `toml:"proxy_url"`
}

// LimitsConfig bounds initialization, invocation, and usage.
type LimitsConfig struct {
	// InitTimeoutSecs bounds one backend initialization, downloads included.
	InitTimeoutSecs int `toml:"init_timeout_secs"`
	// InvokeTimeoutSecs bounds a single model invocation.
	InvokeTimeoutSecs int `toml:"invoke_timeout_secs"`
	// DailySoftLimit is the advisory remote-call count per day (0 = none).
	// Crossing it never blocks; responses carry an advisory note.
	DailySoftLimit int `toml:"daily_soft_limit"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Listen: ListenConfig{
			Host:            "127.0.0.1",
			Port:            8964,
			RateLimitPerMin: 120,
		},
		OnDevice: OnDeviceConfig{
			OllamaURL: "http://127.0.0.1:11434",
			Model:     "gemma3:4b",
		},
		Remote: RemoteConfig{
			Endpoint: "https://generativelanguage.googleapis.com/v1beta",
			Model:    "gemini-2.0-flash",
		},
		Limits: LimitsConfig{
			InitTimeoutSecs:   600, // model download included
			InvokeTimeoutSecs: 60,
			DailySoftLimit:    200,
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// Dir returns the smartreply configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".smartreply"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions fixes overly permissive modes on the config file.
// The file can hold an API key, so it must stay 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config file, applies env overrides, fills defaults, and
// validates. A missing file yields the defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load against an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := ensureSecurePermissions(path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the config atomically with owner-only permissions.
func (c *Config) Save(path string) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, []byte(buf.String()), 0600)
}

// ApplyEnvOverrides applies SMARTREPLY_* environment variables on top of the
// file values. Env always wins.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SMARTREPLY_API_KEY"); v != "" {
		c.Remote.APIKey = v
	}
	if v := os.Getenv("SMARTREPLY_PROXY_URL"); v != "" {
		c.Remote.ProxyURL = v
	}
	if v := os.Getenv("SMARTREPLY_OLLAMA_URL"); v != "" {
		c.OnDevice.OllamaURL = v
	}
	if v := os.Getenv("SMARTREPLY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Listen.Port = port
		}
	}
	if v := os.Getenv("SMARTREPLY_BEARER_TOKEN"); v != "" {
		c.Listen.BearerToken = v
	}
}

// fillDefaults replaces zero values with defaults so a sparse file still
// yields a complete config.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.Listen.Host == "" {
		c.Listen.Host = def.Listen.Host
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = def.Listen.Port
	}
	if c.Listen.RateLimitPerMin == 0 {
		c.Listen.RateLimitPerMin = def.Listen.RateLimitPerMin
	}
	if c.OnDevice.OllamaURL == "" {
		c.OnDevice.OllamaURL = def.OnDevice.OllamaURL
	}
	if c.OnDevice.Model == "" {
		c.OnDevice.Model = def.OnDevice.Model
	}
	if c.Remote.Endpoint == "" {
		c.Remote.Endpoint = def.Remote.Endpoint
	}
	if c.Remote.Model == "" {
		c.Remote.Model = def.Remote.Model
	}
	if c.Limits.InitTimeoutSecs == 0 {
		c.Limits.InitTimeoutSecs = def.Limits.InitTimeoutSecs
	}
	if c.Limits.InvokeTimeoutSecs == 0 {
		c.Limits.InvokeTimeoutSecs = def.Limits.InvokeTimeoutSecs
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range 1-65535", c.Listen.Port)
	}
	if c.Listen.RateLimitPerMin < 0 {
		return fmt.Errorf("listen.rate_limit_per_min must not be negative")
	}
	if err := validateURL("on_device.ollama_url", c.OnDevice.OllamaURL); err != nil {
		return err
	}
	if err := validateURL("remote.endpoint", c.Remote.Endpoint); err != nil {
		return err
	}
	if c.Remote.ProxyURL != "" {
		if err := validateURL("remote.proxy_url", c.Remote.ProxyURL); err != nil {
			return err
		}
	}
	if c.Limits.InitTimeoutSecs < 1 {
		return fmt.Errorf("limits.init_timeout_secs must be positive")
	}
	if c.Limits.InvokeTimeoutSecs < 1 {
		return fmt.Errorf("limits.invoke_timeout_secs must be positive")
	}
	if c.Limits.DailySoftLimit < 0 {
		return fmt.Errorf("limits.daily_soft_limit must not be negative")
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host", field)
	}
	return nil
}
