// Package config loads and validates the CrabPot configuration: the
// crabpot.yml file under the CrabPot home, overridden by CRABPOT_* environment
// variables.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Config is the full runtime configuration.
type Config struct {
	// Preset names the base security preset; the security and resources
	// sections override individual fields on top of it.
	Preset   string          `mapstructure:"preset" yaml:"preset" validate:"omitempty,oneof=minimal standard paranoid"`
	Security map[string]bool `mapstructure:"security" yaml:"security,omitempty"`

	Resources ResourcesConfig `mapstructure:"resources" yaml:"resources"`
	Proxy     ProxyConfig     `mapstructure:"proxy" yaml:"proxy"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ResourcesConfig overrides the preset's resource profile. Empty fields
// inherit from the preset.
type ResourcesConfig struct {
	CPULimit    string `mapstructure:"cpu_limit" yaml:"cpu_limit,omitempty"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit,omitempty"`
	PidsLimit   int    `mapstructure:"pids_limit" yaml:"pids_limit,omitempty" validate:"gte=0"`
}

// ProxyConfig configures the egress proxy.
type ProxyConfig struct {
	Host string `mapstructure:"host" yaml:"host" validate:"required"`
	Port int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	// UnknownAction decides unknown domains: route to the approval gate or
	// deny outright.
	UnknownAction string `mapstructure:"unknown_action" yaml:"unknown_action" validate:"oneof=pending deny"`
	// ApprovalTimeoutSeconds bounds how long a gated connection waits.
	ApprovalTimeoutSeconds int `mapstructure:"approval_timeout_seconds" yaml:"approval_timeout_seconds" validate:"gt=0"`
}

// DashboardConfig configures the local admin API.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host" validate:"required"`
	Port    int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// MonitorConfig tunes the security monitor thresholds.
type MonitorConfig struct {
	CPUThreshold      float64 `mapstructure:"cpu_threshold" yaml:"cpu_threshold" validate:"gt=0,lte=100"`
	MemoryThreshold   float64 `mapstructure:"memory_threshold" yaml:"memory_threshold" validate:"gt=0,lte=100"`
	CPUSustainSeconds int     `mapstructure:"cpu_sustain_seconds" yaml:"cpu_sustain_seconds" validate:"gt=0"`
}

// Default returns the configuration used when no crabpot.yml exists.
func Default() *Config {
	return &Config{
		Preset: "standard",
		Proxy: ProxyConfig{
			Host:                   "127.0.0.1",
			Port:                   9877,
			UnknownAction:          "pending",
			ApprovalTimeoutSeconds: 60,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9878,
		},
		Monitor: MonitorConfig{
			CPUThreshold:      80,
			MemoryThreshold:   85,
			CPUSustainSeconds: 30,
		},
		LogLevel: "info",
	}
}

// SetDefaults fills unset fields with the defaults.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Preset == "" {
		c.Preset = d.Preset
	}
	if c.Proxy.Host == "" {
		c.Proxy.Host = d.Proxy.Host
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = d.Proxy.Port
	}
	if c.Proxy.UnknownAction == "" {
		c.Proxy.UnknownAction = d.Proxy.UnknownAction
	}
	if c.Proxy.ApprovalTimeoutSeconds == 0 {
		c.Proxy.ApprovalTimeoutSeconds = d.Proxy.ApprovalTimeoutSeconds
	}
	if c.Dashboard.Host == "" {
		c.Dashboard.Host = d.Dashboard.Host
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = d.Dashboard.Port
	}
	if c.Monitor.CPUThreshold == 0 {
		c.Monitor.CPUThreshold = d.Monitor.CPUThreshold
	}
	if c.Monitor.MemoryThreshold == 0 {
		c.Monitor.MemoryThreshold = d.Monitor.MemoryThreshold
	}
	if c.Monitor.CPUSustainSeconds == 0 {
		c.Monitor.CPUSustainSeconds = d.Monitor.CPUSustainSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate checks the configuration against the struct tags.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
