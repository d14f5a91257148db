// Package cmd provides the CLI commands for CrabPot.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crabpot/crabpot/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "crabpot",
	Short: "CrabPot - sandbox supervisor for untrusted AI agents",
	Long: `CrabPot wraps an untrusted agent container with a host-side security
perimeter: an egress proxy that gates all network traffic behind an
allowlist and human approval, a multi-channel security monitor with an
auto-pause reflex, and a local dashboard API.

Quick start:
  1. Provision the sandbox container (named "crabpot")
  2. Run: crabpot start
  3. Approve egress as prompted: crabpot approve <domain>

Configuration:
  Config is loaded from $CRABPOT_HOME/crabpot.yml (default ~/.crabpot).
  Environment variables override config values with the CRABPOT_ prefix.
  Example: CRABPOT_PROXY_PORT=9900`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CRABPOT_HOME/crabpot.yml)")
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
