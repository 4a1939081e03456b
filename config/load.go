package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the Cadence configuration using Viper.
//
// Precedence (lowest to highest): defaults < ~/.cadence/config.toml <
// ./cadence.toml < CADENCE_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// User config, if present
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".cadence", "config.toml")
		if _, err := os.Stat(userConfig); err == nil {
			v.SetConfigFile(userConfig)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", userConfig, err)
			}
		}
	}

	// Project config overrides user config
	if _, err := os.Stat("cadence.toml"); err == nil {
		v.SetConfigFile("cadence.toml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file cadence.toml: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from %s: %w", configPath, err)
	}

	return &config, nil
}
