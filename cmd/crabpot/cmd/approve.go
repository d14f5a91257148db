package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approvePermanent bool

var approveCmd = &cobra.Command{
	Use:   "approve <domain>",
	Short: "Approve a pending egress domain",
	Long: `Approve an egress domain. Without flags the approval lasts for the
current session; with --permanent the domain is added to the allowlist file
and survives restarts. Any connections parked on the approval gate for this
domain are released immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp struct {
			WasPending bool `json:"was_pending"`
		}
		req := map[string]any{"domain": args[0], "permanent": approvePermanent}
		if err := client.post("/api/approve", req, &resp); err != nil {
			return err
		}
		scope := "for this session"
		if approvePermanent {
			scope = "permanently"
		}
		if resp.WasPending {
			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s %s (pending request released)\n", args[0], scope)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Approved %s %s\n", args[0], scope)
		}
		return nil
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <domain>",
	Short: "Deny a pending egress domain for this session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp struct {
			WasPending bool `json:"was_pending"`
		}
		if err := client.post("/api/deny", map[string]any{"domain": args[0]}, &resp); err != nil {
			return err
		}
		if resp.WasPending {
			fmt.Fprintf(cmd.OutOrStdout(), "Denied %s (pending request released)\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Denied %s for this session\n", args[0])
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List egress requests awaiting approval",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp struct {
			Pending []struct {
				Domain         string `json:"domain"`
				Port           int    `json:"port"`
				Timestamp      string `json:"timestamp"`
				WaitingSeconds int    `json:"waiting_seconds"`
			} `json:"pending"`
		}
		if err := client.get("/api/pending", &resp); err != nil {
			return err
		}
		if len(resp.Pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending approval requests.")
			return nil
		}
		for _, p := range resp.Pending {
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%d  waiting %ds (since %s)\n",
				p.Domain, p.Port, p.WaitingSeconds, p.Timestamp)
		}
		return nil
	},
}

func init() {
	approveCmd.Flags().BoolVar(&approvePermanent, "permanent", false, "add the domain to the permanent allowlist")
	rootCmd.AddCommand(approveCmd, denyCmd, pendingCmd)
}
