// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for kaggle-chatbot.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/kavindamihiran/Kaggle-chatbot/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete kaggle-chatbot configuration.
type Config struct {
	// Version of the configuration format
	Version string `toml:"version" json:"version"`

	// Server configuration for the relay HTTP server
	Server ServerConfig `toml:"server" json:"server"`

	// Upstream endpoint configuration
	Upstream UpstreamConfig `toml:"upstream" json:"upstream"`

	// Limits applied to every exchange
	Limits LimitsConfig `toml:"limits" json:"limits"`

	// UI configuration
	UI UIConfig `toml:"ui" json:"ui"`
}

// ServerConfig contains the relay HTTP server configuration.
type ServerConfig struct {
	// Host is the listen address for `kaggle-chatbot serve`
	Host string `toml:"host" json:"host"`
	// Port is the listen port
	Port int `toml:"port" json:"port"`
	// RateLimitPerMin is the per-client request budget (0 disables limiting)
	RateLimitPerMin int `toml:"rate_limit_per_min" json:"rate_limit_per_min"`
	// AllowedOrigins lists origins for CORS responses ("*" allows any)
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
	// TrustedProxies lists CIDR ranges whose X-Forwarded-For headers are honored
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies"`
}

// UpstreamConfig contains the OpenAI-compatible upstream endpoint configuration.
type UpstreamConfig struct {
	// BaseURL is the tunnel or server URL; "/v1" is appended at use when missing
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey is forwarded verbatim as a bearer token when non-empty
	APIKey string `toml:"api_key" json:"api_key"`
	// Model is the model identifier sent with every request
	Model string `toml:"model" json:"model"`
	// Mode selects delivery: "stream" or "aggregate"
	Mode string `toml:"mode" json:"mode"`
}

// LimitsConfig bounds every exchange.
type LimitsConfig struct {
	// OverallSeconds caps a whole exchange including connect and stream
	OverallSeconds int `toml:"overall_seconds" json:"overall_seconds"`
	// StallSeconds caps the gap between consecutive stream events
	StallSeconds int `toml:"stall_seconds" json:"stall_seconds"`
	// MaxTokens is the completion budget sent upstream
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`
	// Temperature is the sampling temperature sent upstream
	Temperature float64 `toml:"temperature" json:"temperature"`
}

// UIConfig contains UI configuration.
type UIConfig struct {
	// Theme is the UI theme: "dark", "light", "auto"
	Theme string `toml:"theme" json:"theme"`
	// WordWrap is the markdown render width in columns (0 disables wrapping)
	WordWrap int `toml:"word_wrap" json:"word_wrap"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			RateLimitPerMin: 60,
			AllowedOrigins:  []string{"*"},
		},

		Upstream: UpstreamConfig{
			BaseURL: "",
			APIKey:  "",
			Model:   "gpt-3.5-turbo",
			Mode:    "stream",
		},

		Limits: LimitsConfig{
			OverallSeconds: 55,
			StallSeconds:   20,
			MaxTokens:      1024,
			Temperature:    0.7,
		},

		UI: UIConfig{
			Theme:    "auto",
			WordWrap: 100,
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the configuration directory (~/.kaggle-chatbot).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".kaggle-chatbot"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err // File doesn't exist or not accessible
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}

	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from ~/.kaggle-chatbot/config.toml, falling back to
// defaults when the file does not exist. Environment overrides are applied
// last, then the result is validated.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := decodeTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFrom loads configuration from a specific file path with full validation.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if err := decodeTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decodeTOML decodes a TOML file over cfg, leaving absent fields untouched.
// SECURITY: Checks and fixes file permissions on load.
func decodeTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems, keep going
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return fillDefaults(cfg)
}

// fillDefaults fills in any missing values with defaults. Fields where the
// zero value is meaningful (temperature, rate limit, word wrap) are left alone.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}

	if cfg.Upstream.Model == "" {
		cfg.Upstream.Model = defaults.Upstream.Model
	}
	if cfg.Upstream.Mode == "" {
		cfg.Upstream.Mode = defaults.Upstream.Mode
	}

	if cfg.Limits.OverallSeconds == 0 {
		cfg.Limits.OverallSeconds = defaults.Limits.OverallSeconds
	}
	if cfg.Limits.StallSeconds == 0 {
		cfg.Limits.StallSeconds = defaults.Limits.StallSeconds
	}
	if cfg.Limits.MaxTokens == 0 {
		cfg.Limits.MaxTokens = defaults.Limits.MaxTokens
	}

	if cfg.UI.Theme == "" {
		cfg.UI.Theme = defaults.UI.Theme
	}

	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func SaveTo(cfg *Config, path string) error {
	var buf bytes.Buffer

	// Write header comment
	fmt.Fprintln(&buf, "# kaggle-chatbot configuration file")
	fmt.Fprintln(&buf, "# Generated by kaggle-chatbot - edit with care")
	fmt.Fprintln(&buf, "#")
	fmt.Fprintln(&buf, "# Documentation: https://github.com/kavindamihiran/Kaggle-chatbot")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}
	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_per_min",
			Message: "must be non-negative (0 disables limiting)",
		})
	}

	// Upstream
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, ValidationError{
				Field:   "upstream.base_url",
				Message: fmt.Sprintf("invalid URL '%s', must be http or https", c.Upstream.BaseURL),
			})
		}
	}
	validModes := map[string]bool{"": true, "stream": true, "aggregate": true}
	if !validModes[strings.ToLower(c.Upstream.Mode)] {
		errs = append(errs, ValidationError{
			Field:   "upstream.mode",
			Message: fmt.Sprintf("invalid mode '%s', must be one of: stream, aggregate", c.Upstream.Mode),
		})
	}

	// Limits
	if c.Limits.OverallSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "limits.overall_seconds",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Limits.OverallSeconds),
		})
	}
	if c.Limits.StallSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "limits.stall_seconds",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Limits.StallSeconds),
		})
	}
	if c.Limits.StallSeconds > c.Limits.OverallSeconds {
		errs = append(errs, ValidationError{
			Field:   "limits.stall_seconds",
			Message: fmt.Sprintf("stall deadline (%d) cannot exceed overall deadline (%d)",
				c.Limits.StallSeconds, c.Limits.OverallSeconds),
		})
	}
	if c.Limits.MaxTokens < 1 || c.Limits.MaxTokens > 32768 {
		errs = append(errs, ValidationError{
			Field:   "limits.max_tokens",
			Message: fmt.Sprintf("must be 1-32768, got %d", c.Limits.MaxTokens),
		})
	}
	if c.Limits.Temperature < 0 || c.Limits.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "limits.temperature",
			Message: fmt.Sprintf("must be between 0.0 and 2.0, got %g", c.Limits.Temperature),
		})
	}

	// UI
	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme '%s', must be one of: dark, light, auto", c.UI.Theme),
		})
	}
	if c.UI.WordWrap < 0 || c.UI.WordWrap > 500 {
		errs = append(errs, ValidationError{
			Field:   "ui.word_wrap",
			Message: fmt.Sprintf("must be 0-500, got %d", c.UI.WordWrap),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies KAGGLE_CHATBOT_* environment variables over the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	// KAGGLE_CHATBOT_URL
	if u := os.Getenv("KAGGLE_CHATBOT_URL"); u != "" {
		c.Upstream.BaseURL = u
	}

	// KAGGLE_CHATBOT_API_KEY
	if key := os.Getenv("KAGGLE_CHATBOT_API_KEY"); key != "" {
		c.Upstream.APIKey = key
	}

	// KAGGLE_CHATBOT_MODEL
	if model := os.Getenv("KAGGLE_CHATBOT_MODEL"); model != "" {
		c.Upstream.Model = model
	}

	// KAGGLE_CHATBOT_MODE
	if mode := os.Getenv("KAGGLE_CHATBOT_MODE"); mode != "" {
		c.Upstream.Mode = mode
	}

	// KAGGLE_CHATBOT_HOST
	if host := os.Getenv("KAGGLE_CHATBOT_HOST"); host != "" {
		c.Server.Host = host
	}

	// KAGGLE_CHATBOT_PORT
	if port := os.Getenv("KAGGLE_CHATBOT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// KAGGLE_CHATBOT_THEME
	if theme := os.Getenv("KAGGLE_CHATBOT_THEME"); theme != "" {
		c.UI.Theme = theme
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "upstream.model").
func (c *Config) Get(key string) (interface{}, error) {
	parts := strings.Split(key, ".")
	if len(parts) == 0 {
		return nil, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)

		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})

		if !field.IsValid() {
			return nil, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}

		// If this is the last part, return the value
		if i == len(parts)-1 {
			return field.Interface(), nil
		}

		// Otherwise, navigate into the struct
		if field.Kind() == reflect.Struct {
			v = field
		} else {
			return nil, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
	}

	return nil, fmt.Errorf("invalid key: %s", key)
}

// Set sets a configuration value using dot notation (e.g., "upstream.model").
func (c *Config) Set(key string, value interface{}) error {
	parts := strings.Split(key, ".")
	if len(parts) == 0 {
		return errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)

		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})

		if !field.IsValid() {
			return fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}

		// If this is the last part, set the value
		if i == len(parts)-1 {
			if !field.CanSet() {
				return fmt.Errorf("cannot set field: %s", key)
			}
			return setFieldValue(field, value)
		}

		// Otherwise, navigate into the struct
		if field.Kind() == reflect.Struct {
			v = field
		} else {
			return fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
	}

	return fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}

	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	// Handle string input with type conversion
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal := strVal == "1" || strings.ToLower(strVal) == "true" || strings.ToLower(strVal) == "yes"
			field.SetBool(boolVal)
			return nil
		}
	}

	// Direct assignment for matching types
	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}

	// Type conversion for compatible types
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	return []string{
		"version",
		"server.host",
		"server.port",
		"server.rate_limit_per_min",
		"server.allowed_origins",
		"server.trusted_proxies",
		"upstream.base_url",
		"upstream.api_key",
		"upstream.model",
		"upstream.mode",
		"limits.overall_seconds",
		"limits.stall_seconds",
		"limits.max_tokens",
		"limits.temperature",
		"ui.theme",
		"ui.word_wrap",
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns an independent copy of the config.
func (c *Config) Clone() *Config {
	clone := *c

	if c.Server.AllowedOrigins != nil {
		clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	}
	if c.Server.TrustedProxies != nil {
		clone.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	}

	return &clone
}

// String returns a string representation of the config for debugging.
// SECURITY: Redacts the API key to prevent accidental exposure in logs,
// error messages, or debug output.
func (c *Config) String() string {
	safe := c.Clone()

	if safe.Upstream.APIKey != "" {
		safe.Upstream.APIKey = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			// Fall back to defaults rather than failing startup
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
// This should only be used in tests to reset state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
