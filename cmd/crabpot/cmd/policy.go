package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/crabpot/crabpot/internal/config"
	"github.com/crabpot/crabpot/internal/domain/egress"
)

// policy commands edit the allowlist file directly. A running supervisor
// picks the change up through its file watcher, so these work online and
// offline alike.

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the permanent egress allowlist",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the permanent allowlist",
	RunE: func(cmd *cobra.Command, _ []string) error {
		engine, err := policyEngine()
		if err != nil {
			return err
		}
		allowed := engine.Allowlist()
		if len(allowed) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Allowlist is empty.")
			return nil
		}
		for _, d := range allowed {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}
		return nil
	},
}

var policyAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Add a domain to the permanent allowlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := policyEngine()
		if err != nil {
			return err
		}
		engine.AddPermanent(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to the allowlist\n", args[0])
		return nil
	},
}

var policyRemoveCmd = &cobra.Command{
	Use:   "remove <domain>",
	Short: "Remove a domain from the permanent allowlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := policyEngine()
		if err != nil {
			return err
		}
		engine.RemovePermanent(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the allowlist\n", args[0])
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyListCmd, policyAddCmd, policyRemoveCmd)
	rootCmd.AddCommand(policyCmd)
}

func policyEngine() (*egress.Engine, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	return egress.NewEngine(paths.PolicyFile, egress.UnknownPending, logger), nil
}
