// Package config loads and validates the storage layer configuration: which
// backends to install, how each is tuned, and which one answers when an open
// names no backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the complete configuration of a storage registry.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (VFSKIT_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// Backend Configuration Pattern:
// Each backend implementation defines its own configuration type. Config
// carries type-specific sections as raw maps and only the section matching
// the selected type is decoded, so adding a backend never touches this
// package's structs.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Backends lists the backends to install, in order
	Backends []BackendConfig `mapstructure:"backends" validate:"required,min=1,dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// BackendConfig describes one backend registration.
type BackendConfig struct {
	// Type selects the backend implementation
	// Valid values: memory, sahpool, blockmirror
	Type string `mapstructure:"type" validate:"required,oneof=memory sahpool blockmirror"`

	// Name is the registration name clients select with the "vfs" query
	// parameter. Empty means the type name.
	Name string `mapstructure:"name"`

	// Default marks this backend as the one used when an open names none.
	// At most one backend may set it; otherwise the first listed wins.
	Default bool `mapstructure:"default"`

	// SAHPool contains pool-specific configuration
	// Only used when Type = "sahpool"
	SAHPool map[string]any `mapstructure:"sahpool"`

	// BlockMirror contains mirror-specific configuration
	// Only used when Type = "blockmirror"
	BlockMirror map[string]any `mapstructure:"blockmirror"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath searches the default location
// ($XDG_CONFIG_HOME/vfskit or ~/.config/vfskit); a missing file there is
// not an error, the defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: VFSKIT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("VFSKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No file is fine, defaults apply.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vfskit")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "vfskit")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
