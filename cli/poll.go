package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPollCommand creates the poll command group.
func NewPollCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run poll cycles outside the service",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single poll cycle and print its report",
		Long: `Run one full poll cycle against the configured database, Twitch, and Telegram.

Do not run this while the service is polling the same database: the two
processes do not coordinate and could deliver a clip twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.Env.RunCycle(cmd.Context())
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "poll cycle setup", Err: err}
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "cycle %s: %d subscriptions, %d fetched, %d delivered, %d skipped, %d failed, %d errors\n",
					report.ID, report.Subscriptions, report.Fetched, report.Delivered, report.Skipped, report.Failed, report.Errors)
				for _, r := range report.Results {
					if r.Err != "" {
						fmt.Fprintf(out, "  %s (#%d): %s\n", r.Broadcaster, r.SubscriptionID, r.Err)
					}
					if r.Paused {
						fmt.Fprintf(out, "  %s (#%d): destination gone, paused (clipctl subs resume %d)\n",
							r.Broadcaster, r.SubscriptionID, r.SubscriptionID)
					}
				}
				if report.Err != "" {
					fmt.Fprintf(out, "  cycle error: %s\n", report.Err)
				}
			}
			if report.Err != "" || report.Errors > 0 || report.Failed > 0 {
				return &ExitError{Code: ExitFailure, Message: "poll cycle reported failures"}
			}
			return nil
		},
	})
	return cmd
}
