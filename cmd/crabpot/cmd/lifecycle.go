package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/crabpot/crabpot/internal/adapter/outbound/dockerrt"
	"github.com/crabpot/crabpot/internal/config"
	"github.com/crabpot/crabpot/internal/port/outbound"
)

// The freeze/unfreeze/destroy verbs act on the container directly through
// the engine API, so they work whether or not a supervisor process is up. A
// running monitor notices the state change through its own polling.

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Freeze the sandbox (zero CPU, memory preserved)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := cliRuntime()
		if err != nil {
			return err
		}
		if err := rt.Pause(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sandbox frozen. Resume with 'crabpot resume'.")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Unfreeze a paused sandbox",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := cliRuntime()
		if err != nil {
			return err
		}
		if err := rt.Resume(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sandbox resumed.")
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Remove the sandbox container and its volumes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := cliRuntime()
		if err != nil {
			return err
		}
		if err := rt.Destroy(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sandbox destroyed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd, destroyCmd)
}

func cliRuntime() (outbound.Runtime, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	return dockerrt.New(config.ContainerName, logger)
}
