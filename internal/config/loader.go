package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at the config file and wires the CRABPOT_*
// environment prefix. When configFile is empty the crabpot.yml under the
// CrabPot home is used; a missing file is fine, defaults and env vars carry
// the rest.
func InitViper(configFile string) error {
	if configFile == "" {
		paths, err := ResolvePaths()
		if err != nil {
			return err
		}
		configFile = paths.ConfigFile
	}
	viper.SetConfigFile(configFile)
	viper.SetConfigType("yaml")

	// Environment variable support: CRABPOT_PROXY_PORT overrides proxy.port.
	viper.SetEnvPrefix("CRABPOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
	return nil
}

// bindNestedEnvKeys binds the nested config keys so environment overrides
// apply even when the key is absent from the file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("preset")
	_ = viper.BindEnv("log_level")

	_ = viper.BindEnv("resources.cpu_limit")
	_ = viper.BindEnv("resources.memory_limit")
	_ = viper.BindEnv("resources.pids_limit")

	_ = viper.BindEnv("proxy.host")
	_ = viper.BindEnv("proxy.port")
	_ = viper.BindEnv("proxy.unknown_action")
	_ = viper.BindEnv("proxy.approval_timeout_seconds")

	_ = viper.BindEnv("dashboard.enabled")
	_ = viper.BindEnv("dashboard.host")
	_ = viper.BindEnv("dashboard.port")

	_ = viper.BindEnv("monitor.cpu_threshold")
	_ = viper.BindEnv("monitor.memory_threshold")
	_ = viper.BindEnv("monitor.cpu_sustain_seconds")

	// The security map takes per-layer overrides; maps do not bind cleanly
	// to env vars, use the config file for those.
}

// Load reads the config file (if present), applies env overrides and
// defaults, and validates the result.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
