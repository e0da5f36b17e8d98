// Package config provides configuration management for the APC daemon.
// It supports loading configuration from a workspace-local daemon.json,
// environment variable overrides, and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/apcdev/apc/internal/common/logger"
)

// Defaults for recognized options.
const (
	DefaultWorkingDirectory    = "_AiDevLog"
	DefaultAgentPoolSize       = 10
	DefaultBackend             = "cursor"
	DefaultStateUpdateInterval = 5000
	DefaultPort                = 19840
	DefaultLogLevel            = "info"

	MinAgentPoolSize       = 1
	MaxAgentPoolSize       = 20
	MinStateUpdateInterval = 1000
	MinPort                = 1024
	MaxPort                = 65535
)

// Environment variables that override daemon.json values.
const (
	EnvWorkingDir = "APC_WORKING_DIR"
	EnvPoolSize   = "APC_POOL_SIZE"
	EnvPort       = "APC_PORT"
	EnvLogLevel   = "APC_LOG_LEVEL"
)

// Config holds all configuration for the daemon.
type Config struct {
	WorkspaceRoot       string `mapstructure:"workspaceRoot" json:"workspaceRoot"`
	WorkingDirectory    string `mapstructure:"workingDirectory" json:"workingDirectory,omitempty"`
	AgentPoolSize       int    `mapstructure:"agentPoolSize" json:"agentPoolSize,omitempty"`
	DefaultBackend      string `mapstructure:"defaultBackend" json:"defaultBackend,omitempty"`
	StateUpdateInterval int    `mapstructure:"stateUpdateInterval" json:"stateUpdateInterval,omitempty"` // milliseconds
	Port                int    `mapstructure:"port" json:"port,omitempty"`
	LogLevel            string `mapstructure:"logLevel" json:"logLevel,omitempty"`

	NATS    NATSConfig           `mapstructure:"nats" json:"nats,omitempty"`
	Logging logger.LoggingConfig `mapstructure:"logging" json:"-"`
}

// NATSConfig holds optional NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url" json:"url,omitempty"`
	ClientID      string `mapstructure:"clientId" json:"clientId,omitempty"`
	MaxReconnects int    `mapstructure:"maxReconnects" json:"maxReconnects,omitempty"`
}

// WorkingDir returns the absolute path of the workspace-local state directory.
func (c *Config) WorkingDir() string {
	return filepath.Join(c.WorkspaceRoot, c.WorkingDirectory)
}

// ConfigDir returns the .config directory under the working directory.
func (c *Config) ConfigDir() string {
	return filepath.Join(c.WorkingDir(), ".config")
}

// ConfigFilePath returns the daemon.json path for a workspace root.
func ConfigFilePath(workspaceRoot, workingDirectory string) string {
	if workingDirectory == "" {
		workingDirectory = DefaultWorkingDirectory
	}
	return filepath.Join(workspaceRoot, workingDirectory, ".config", "daemon.json")
}

// setDefaults configures default values for all recognized options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("workingDirectory", DefaultWorkingDirectory)
	v.SetDefault("agentPoolSize", DefaultAgentPoolSize)
	v.SetDefault("defaultBackend", DefaultBackend)
	v.SetDefault("stateUpdateInterval", DefaultStateUpdateInterval)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("logLevel", DefaultLogLevel)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "apc-daemon")
	v.SetDefault("nats.maxReconnects", 10)
}

// Load reads configuration for the given workspace root. The config file is
// optional; environment variables override file values and invalid values are
// ignored with a warning.
func Load(workspaceRoot string, log *logger.Logger) (*Config, error) {
	if workspaceRoot == "" {
		return nil, fmt.Errorf("workspaceRoot is required")
	}
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")

	path := ConfigFilePath(abs, os.Getenv(EnvWorkingDir))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		}
		// Missing config file is fine; defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.WorkspaceRoot = abs

	applyEnvOverrides(&cfg, log)

	cfg.Logging = logger.LoggingConfig{Level: cfg.LogLevel, OutputPath: "stdout"}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies APC_* environment variables on top of file values.
// Invalid values are ignored with a warning rather than failing startup.
func applyEnvOverrides(cfg *Config, log *logger.Logger) {
	if dir := os.Getenv(EnvWorkingDir); dir != "" {
		cfg.WorkingDirectory = dir
	}
	if raw := os.Getenv(EnvPoolSize); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < MinAgentPoolSize || n > MaxAgentPoolSize {
			log.Warn("ignoring invalid " + EnvPoolSize + "=" + raw)
		} else {
			cfg.AgentPoolSize = n
		}
	}
	if raw := os.Getenv(EnvPort); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < MinPort || n > MaxPort {
			log.Warn("ignoring invalid " + EnvPort + "=" + raw)
		} else {
			cfg.Port = n
		}
	}
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		if !validLogLevel(strings.ToLower(raw)) {
			log.Warn("ignoring invalid " + EnvLogLevel + "=" + raw)
		} else {
			cfg.LogLevel = strings.ToLower(raw)
		}
	}
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// validate checks that all configuration values are in range.
func validate(cfg *Config) error {
	var errs []string

	if cfg.WorkspaceRoot == "" {
		errs = append(errs, "workspaceRoot is required")
	}
	if cfg.AgentPoolSize < MinAgentPoolSize || cfg.AgentPoolSize > MaxAgentPoolSize {
		errs = append(errs, fmt.Sprintf("agentPoolSize must be between %d and %d", MinAgentPoolSize, MaxAgentPoolSize))
	}
	if cfg.DefaultBackend != "cursor" && cfg.DefaultBackend != "claude" {
		errs = append(errs, "defaultBackend must be one of: cursor, claude")
	}
	if cfg.StateUpdateInterval < MinStateUpdateInterval {
		errs = append(errs, fmt.Sprintf("stateUpdateInterval must be at least %d ms", MinStateUpdateInterval))
	}
	if cfg.Port < MinPort || cfg.Port > MaxPort {
		errs = append(errs, fmt.Sprintf("port must be between %d and %d", MinPort, MaxPort))
	}
	if !validLogLevel(cfg.LogLevel) {
		errs = append(errs, "logLevel must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Save writes only non-default values back to daemon.json. The write goes
// through a temp file and rename so a concurrent reader never observes a
// torn file.
func (c *Config) Save() error {
	out := map[string]any{}
	if c.WorkingDirectory != DefaultWorkingDirectory {
		out["workingDirectory"] = c.WorkingDirectory
	}
	if c.AgentPoolSize != DefaultAgentPoolSize {
		out["agentPoolSize"] = c.AgentPoolSize
	}
	if c.DefaultBackend != DefaultBackend {
		out["defaultBackend"] = c.DefaultBackend
	}
	if c.StateUpdateInterval != DefaultStateUpdateInterval {
		out["stateUpdateInterval"] = c.StateUpdateInterval
	}
	if c.Port != DefaultPort {
		out["port"] = c.Port
	}
	if c.LogLevel != DefaultLogLevel {
		out["logLevel"] = c.LogLevel
	}
	if c.NATS.URL != "" {
		out["nats"] = c.NATS
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	path := ConfigFilePath(c.WorkspaceRoot, c.WorkingDirectory)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".daemon-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming config file: %w", err)
	}
	return nil
}
