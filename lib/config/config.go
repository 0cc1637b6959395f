// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "MOCKMARKET_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for shared test environments.
	Staging Environment = "staging"
	// Production is for long-running deployments that serve test
	// harnesses.
	Production Environment = "production"
)

// Config is the configuration of the mockmarket service.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures file and directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Sessions configures session store lifecycle.
	Sessions SessionsConfig `yaml:"sessions"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Server   *ServerConfig   `yaml:"server,omitempty"`
	Sessions *SessionsConfig `yaml:"sessions,omitempty"`
	Logging  *LoggingConfig  `yaml:"logging,omitempty"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// Root is the base directory for mockmarket data.
	Root string `yaml:"root"`

	// Sessions is the directory holding one store per session.
	// Default: ${MOCKMARKET_ROOT}/sessions
	Sessions string `yaml:"sessions"`

	// Baseline is an optional YAML or JSONC file replacing the
	// built-in listings baseline.
	Baseline string `yaml:"baseline"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the TCP address to serve on.
	// Default: 127.0.0.1:8080
	Listen string `yaml:"listen"`

	// ReadTimeout bounds reading a request, headers included.
	// Default: 30s
	ReadTimeout string `yaml:"read_timeout"`

	// WriteTimeout bounds writing a response. Snapshots of large
	// stores need more than the default.
	// Default: 2m
	WriteTimeout string `yaml:"write_timeout"`

	// ShutdownTimeout is how long in-flight requests may run after a
	// shutdown signal.
	// Default: 10s
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// SessionsConfig configures session store lifecycle.
type SessionsConfig struct {
	// MaxIdle is how long a session may go unaccessed before the
	// reaper deletes it.
	// Default: 24h
	MaxIdle string `yaml:"max_idle"`

	// SweepInterval is the time between reaper sweeps.
	// Default: 1h
	SweepInterval string `yaml:"sweep_interval"`

	// OperationTimeout bounds provisioning, seeding and reset.
	// Default: 30s
	OperationTimeout string `yaml:"operation_timeout"`

	// PoolSize is the number of SQLite connections per session.
	// Default: 2
	PoolSize int `yaml:"pool_size"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text, json, or auto (text on a terminal, json
	// otherwise).
	// Default: text (development), json (production)
	Format string `yaml:"format"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "mockmarket")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     defaultRoot,
			Sessions: filepath.Join(defaultRoot, "sessions"),
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			ReadTimeout:     "30s",
			WriteTimeout:    "2m",
			ShutdownTimeout: "10s",
		},
		Sessions: SessionsConfig{
			MaxIdle:          "24h",
			SweepInterval:    "1h",
			OperationTimeout: "30s",
			PoolSize:         2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the MOCKMARKET_CONFIG environment
// variable.
//
// There are no fallbacks or defaults - if MOCKMARKET_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your mockmarket.yaml config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc are read as JSONC; anything else as YAML.
//
// The config file is the single source of truth. Environment variables do not
// override config values. The only expansion performed is ${HOME},
// ${MOCKMARKET_ROOT} and ${VAR:-default} in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML; the yaml tags serve both.
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: machine-readable logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		override(&c.Paths.Root, overrides.Paths.Root)
		override(&c.Paths.Sessions, overrides.Paths.Sessions)
		override(&c.Paths.Baseline, overrides.Paths.Baseline)
	}

	if overrides.Server != nil {
		override(&c.Server.Listen, overrides.Server.Listen)
		override(&c.Server.ReadTimeout, overrides.Server.ReadTimeout)
		override(&c.Server.WriteTimeout, overrides.Server.WriteTimeout)
		override(&c.Server.ShutdownTimeout, overrides.Server.ShutdownTimeout)
	}

	if overrides.Sessions != nil {
		override(&c.Sessions.MaxIdle, overrides.Sessions.MaxIdle)
		override(&c.Sessions.SweepInterval, overrides.Sessions.SweepInterval)
		override(&c.Sessions.OperationTimeout, overrides.Sessions.OperationTimeout)
		if overrides.Sessions.PoolSize != 0 {
			c.Sessions.PoolSize = overrides.Sessions.PoolSize
		}
	}

	if overrides.Logging != nil {
		override(&c.Logging.Level, overrides.Logging.Level)
		override(&c.Logging.Format, overrides.Logging.Format)
	}
}

func override(field *string, value string) {
	if value != "" {
		*field = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"MOCKMARKET_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["MOCKMARKET_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Sessions = expandVars(c.Paths.Sessions, vars)
	c.Paths.Baseline = expandVars(c.Paths.Baseline, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Timing holds the parsed durations of a validated Config.
type Timing struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration
	MaxIdle          time.Duration
	SweepInterval    time.Duration
	OperationTimeout time.Duration
}

// Timing parses every duration field. Validate reports the same
// problems, all at once.
func (c *Config) Timing() (Timing, error) {
	var timing Timing
	var errs []error
	for _, field := range []struct {
		name   string
		value  string
		target *time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout, &timing.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout, &timing.WriteTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout, &timing.ShutdownTimeout},
		{"sessions.max_idle", c.Sessions.MaxIdle, &timing.MaxIdle},
		{"sessions.sweep_interval", c.Sessions.SweepInterval, &timing.SweepInterval},
		{"sessions.operation_timeout", c.Sessions.OperationTimeout, &timing.OperationTimeout},
	} {
		duration, err := time.ParseDuration(field.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
			continue
		}
		if duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field.name, field.value))
			continue
		}
		*field.target = duration
	}
	if len(errs) > 0 {
		return Timing{}, errors.Join(errs...)
	}
	return timing, nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Sessions == "" {
		errs = append(errs, fmt.Errorf("paths.sessions is required"))
	}

	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}

	if c.Sessions.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("sessions.pool_size must be at least 1, got %d", c.Sessions.PoolSize))
	}

	if _, err := c.Timing(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json", "auto":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text, json or auto, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Sessions} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
