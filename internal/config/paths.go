package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ContainerName is the fixed name of the supervised sandbox container.
const ContainerName = "crabpot"

// Paths locates everything CrabPot keeps on disk under one home directory.
type Paths struct {
	Home       string
	ConfigDir  string
	DataDir    string
	ConfigFile string
	PolicyFile string
	AlertLog   string
}

// ResolvePaths derives the path set from CRABPOT_HOME, falling back to
// ~/.crabpot.
func ResolvePaths() (Paths, error) {
	home := os.Getenv("CRABPOT_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".crabpot")
	}
	return pathsUnder(home), nil
}

func pathsUnder(home string) Paths {
	configDir := filepath.Join(home, "config")
	dataDir := filepath.Join(home, "data")
	return Paths{
		Home:       home,
		ConfigDir:  configDir,
		DataDir:    dataDir,
		ConfigFile: filepath.Join(home, "crabpot.yml"),
		PolicyFile: filepath.Join(configDir, "egress-allowlist.txt"),
		AlertLog:   filepath.Join(dataDir, "alerts.log"),
	}
}

// EnsureDirs creates the home layout if it does not exist yet.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Home, p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
