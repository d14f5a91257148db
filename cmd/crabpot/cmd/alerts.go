package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	alertsLast     int
	alertsSeverity string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show recent security alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("last", strconv.Itoa(alertsLast))
		if alertsSeverity != "" {
			q.Set("severity", alertsSeverity)
		}
		var resp struct {
			Alerts []struct {
				Severity  string `json:"severity"`
				Source    string `json:"source"`
				Message   string `json:"message"`
				Timestamp string `json:"timestamp"`
			} `json:"alerts"`
			Counts map[string]int `json:"counts"`
		}
		if err := client.get("/api/alerts?"+q.Encode(), &resp); err != nil {
			return err
		}
		if len(resp.Alerts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No alerts.")
			return nil
		}
		for _, a := range resp.Alerts {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s %s: %s\n", a.Severity, a.Timestamp, a.Source, a.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nTotals: %d critical, %d warning, %d info\n",
			resp.Counts["CRITICAL"], resp.Counts["WARNING"], resp.Counts["INFO"])
		return nil
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLast, "last", 20, "number of alerts to show")
	alertsCmd.Flags().StringVar(&alertsSeverity, "severity", "", "filter by severity (CRITICAL, WARNING, INFO)")
	rootCmd.AddCommand(alertsCmd)
}
