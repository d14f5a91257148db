package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crabpot/crabpot/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running crabpot supervisor",
	Long: `Signal the running supervisor to shut down gracefully. The supervisor
stops the proxy, the monitor, the dashboard, and the sandbox container.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	paths, err := config.ResolvePaths()
	if err != nil {
		return err
	}

	pid, err := readPIDFile(pidFilePath(paths))
	if err != nil {
		return fmt.Errorf("no running crabpot found (missing PID file): %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent shutdown signal to crabpot (pid %d)\n", pid)
	return nil
}
