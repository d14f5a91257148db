// Package preset defines the named security presets and profile resolution.
// A preset bundles the boolean security layers with resource constraints;
// user overrides are merged on top at resolve time.
package preset

import (
	"fmt"
	"sort"
	"strings"
)

// SecurityProfile holds a flag per security layer.
type SecurityProfile struct {
	ReadOnlyRootfs      bool `json:"read_only_rootfs"`
	DropAllCaps         bool `json:"drop_all_caps"`
	SeccompProfile      bool `json:"seccomp_profile"`
	NoNewPrivileges     bool `json:"no_new_privileges"`
	ResourceLimits      bool `json:"resource_limits"`
	PidLimit            bool `json:"pid_limit"`
	EgressProxy         bool `json:"egress_proxy"`
	SecretScanner       bool `json:"secret_scanner"`
	ProcessWatchdog     bool `json:"process_watchdog"`
	LogScanner          bool `json:"log_scanner"`
	NetworkAuditor      bool `json:"network_auditor"`
	HardenedImage       bool `json:"hardened_image"`
	AutoPauseOnCritical bool `json:"auto_pause_on_critical"`
}

// ResourceProfile holds the sandbox resource constraints.
type ResourceProfile struct {
	CPULimit    string `json:"cpu_limit"`
	MemoryLimit string `json:"memory_limit"`
	PidsLimit   int    `json:"pids_limit"`
}

// Preset pairs the two profiles under a name.
type Preset struct {
	Security  SecurityProfile
	Resources ResourceProfile
}

var presets = map[string]Preset{
	"minimal": {
		Security: SecurityProfile{},
		Resources: ResourceProfile{
			CPULimit:    "4",
			MemoryLimit: "4g",
			PidsLimit:   500,
		},
	},
	"standard": {
		Security: SecurityProfile{
			ReadOnlyRootfs:      true,
			DropAllCaps:         true,
			SeccompProfile:      true,
			NoNewPrivileges:     true,
			ResourceLimits:      true,
			PidLimit:            true,
			EgressProxy:         true,
			SecretScanner:       true,
			LogScanner:          true,
			AutoPauseOnCritical: true,
		},
		Resources: ResourceProfile{
			CPULimit:    "2",
			MemoryLimit: "2g",
			PidsLimit:   200,
		},
	},
	"paranoid": {
		Security: SecurityProfile{
			ReadOnlyRootfs:      true,
			DropAllCaps:         true,
			SeccompProfile:      true,
			NoNewPrivileges:     true,
			ResourceLimits:      true,
			PidLimit:            true,
			EgressProxy:         true,
			SecretScanner:       true,
			ProcessWatchdog:     true,
			LogScanner:          true,
			NetworkAuditor:      true,
			HardenedImage:       true,
			AutoPauseOnCritical: true,
		},
		Resources: ResourceProfile{
			CPULimit:    "1",
			MemoryLimit: "1g",
			PidsLimit:   100,
		},
	},
}

// Names lists the valid preset names, sorted.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve merges the named preset with user overrides. Override keys use the
// snake_case field names from the config file; unknown keys are an error so
// typos surface instead of silently inheriting the preset.
func Resolve(name string, overrides map[string]bool, resourceOverrides map[string]any) (Preset, error) {
	base, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q, valid presets: %s", name, strings.Join(Names(), ", "))
	}

	for key, value := range overrides {
		if err := applySecurityOverride(&base.Security, key, value); err != nil {
			return Preset{}, err
		}
	}
	for key, value := range resourceOverrides {
		if value == nil {
			continue
		}
		if err := applyResourceOverride(&base.Resources, key, value); err != nil {
			return Preset{}, err
		}
	}
	return base, nil
}

func applySecurityOverride(p *SecurityProfile, key string, value bool) error {
	switch key {
	case "read_only_rootfs":
		p.ReadOnlyRootfs = value
	case "drop_all_caps":
		p.DropAllCaps = value
	case "seccomp_profile":
		p.SeccompProfile = value
	case "no_new_privileges":
		p.NoNewPrivileges = value
	case "resource_limits":
		p.ResourceLimits = value
	case "pid_limit":
		p.PidLimit = value
	case "egress_proxy":
		p.EgressProxy = value
	case "secret_scanner":
		p.SecretScanner = value
	case "process_watchdog":
		p.ProcessWatchdog = value
	case "log_scanner":
		p.LogScanner = value
	case "network_auditor":
		p.NetworkAuditor = value
	case "hardened_image":
		p.HardenedImage = value
	case "auto_pause_on_critical":
		p.AutoPauseOnCritical = value
	default:
		return fmt.Errorf("unknown security override %q", key)
	}
	return nil
}

func applyResourceOverride(p *ResourceProfile, key string, value any) error {
	switch key {
	case "cpu_limit":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("resource override cpu_limit: want string, got %T", value)
		}
		p.CPULimit = s
	case "memory_limit":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("resource override memory_limit: want string, got %T", value)
		}
		p.MemoryLimit = s
	case "pids_limit":
		switch n := value.(type) {
		case int:
			p.PidsLimit = n
		case int64:
			p.PidsLimit = int(n)
		case float64:
			p.PidsLimit = int(n)
		default:
			return fmt.Errorf("resource override pids_limit: want int, got %T", value)
		}
	default:
		return fmt.Errorf("unknown resource override %q", key)
	}
	return nil
}
