// Package config loads Watchtower's global, host-level configuration file.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// GlobalConfig holds global Watchtower settings from ~/.watchtower/config.yaml.
// It is distinct from the on-disk registries (routes, mocks, logging flags,
// proxy settings), which live under the same directory but are owned by
// internal/registry.
type GlobalConfig struct {
	// Debug controls the optional JSON debug log written alongside stderr
	// output. See internal/log.Options.
	Debug DebugConfig `yaml:"debug"`

	// DataDir overrides the directory the registries and CA persist to.
	// Defaults to GlobalConfigDir() when empty.
	DataDir string `yaml:"data_dir"`
}

// DebugConfig controls file-based debug logging.
type DebugConfig struct {
	// RetentionDays is how many days of debug log files to keep on disk.
	// A value of 0 disables cleanup entirely (files accumulate forever).
	//
	// Example:
	//   debug:
	//     retention_days: 14
	RetentionDays int `yaml:"retention_days"`
}

// DefaultGlobalConfig returns the default global configuration.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Debug: DebugConfig{
			RetentionDays: 7,
		},
	}
}

// LoadGlobal reads ~/.watchtower/config.yaml and applies environment overrides.
// A missing or unparsable file is not an error; defaults are returned instead.
func LoadGlobal() (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".watchtower", "config.yaml")
		if data, err := os.ReadFile(configPath); err == nil {
			_ = yaml.Unmarshal(data, cfg) // fall back to defaults on parse error
		}
	}

	if days := os.Getenv("WATCHTOWER_DEBUG_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil {
			cfg.Debug.RetentionDays = n
		}
	}
	if dir := os.Getenv("WATCHTOWER_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	return cfg, nil
}

// GlobalConfigDir returns the path to ~/.watchtower.
func GlobalConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".watchtower")
	}
	return filepath.Join(homeDir, ".watchtower")
}

// EffectiveDataDir returns the effective data directory: cfg.DataDir if set,
// otherwise GlobalConfigDir().
func (cfg *GlobalConfig) EffectiveDataDir() string {
	if cfg.DataDir != "" {
		return cfg.DataDir
	}
	return GlobalConfigDir()
}
