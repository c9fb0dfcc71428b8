package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/clip-tender/db"
)

// NewSubsCommand creates the subs command group.
func NewSubsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subs",
		Short: "Manage broadcaster subscriptions",
	}
	cmd.AddCommand(newSubsAddCommand(opts))
	cmd.AddCommand(newSubsListCommand(opts))
	cmd.AddCommand(newSubsSetActiveCommand(opts, "pause", false))
	cmd.AddCommand(newSubsSetActiveCommand(opts, "resume", true))
	return cmd
}

func newSubsAddCommand(opts *RootOptions) *cobra.Command {
	var paused bool
	cmd := &cobra.Command{
		Use:   "add <broadcaster> <destination>",
		Short: "Subscribe a Telegram destination to a broadcaster's clips",
		Long: `Subscribe a Telegram destination (chat id or @channel) to a broadcaster.

The new subscription's watermark starts unset, so its first cycle relays clips
from the default lookback window. Adding an existing pair is a no-op.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := opts.Env.Subscriptions(ctx)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "open store", Err: err}
			}
			sub, created, err := store.AddSubscription(ctx, args[0], args[1])
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "add subscription", Err: err}
			}
			if created && paused {
				if err := store.SetActive(ctx, sub.ID, false); err != nil {
					return &ExitError{Code: ExitFailure, Message: "pause subscription", Err: err}
				}
				sub.Active = false
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, map[string]any{"subscription": sub, "created": created})
			}
			verb := "exists"
			if created {
				verb = "created"
			}
			_, err = fmt.Fprintf(out, "subscription %d %s: %s -> %s (%s)\n", sub.ID, verb, sub.BroadcasterHandle, sub.DestinationID, state(sub.Active))
			return err
		},
	}
	cmd.Flags().BoolVar(&paused, "paused", false, "create the subscription paused")
	return cmd
}

func newSubsListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subscriptions and their watermarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := opts.Env.Subscriptions(ctx)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "open store", Err: err}
			}
			subs, err := store.ListSubscriptions(ctx)
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: "list subscriptions", Err: err}
			}
			if opts.Format == "json" {
				if subs == nil {
					subs = []db.Subscription{}
				}
				return writeJSON(cmd.OutOrStdout(), subs)
			}
			return printSubscriptions(cmd.OutOrStdout(), subs)
		},
	}
}

func newSubsSetActiveCommand(opts *RootOptions, name string, active bool) *cobra.Command {
	short := "Pause a subscription; its watermark is kept"
	if active {
		short = "Resume a paused subscription from its watermark"
	}
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid subscription id %q", args[0])}
			}
			ctx := cmd.Context()
			store, err := opts.Env.Subscriptions(ctx)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "open store", Err: err}
			}
			if err := store.SetActive(ctx, id, active); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("subscription %d not found", id)}
				}
				return &ExitError{Code: ExitFailure, Message: name + " subscription", Err: err}
			}
			sub, err := store.GetSubscription(ctx, id)
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: "read subscription", Err: err}
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), sub)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "subscription %d %s\n", sub.ID, state(sub.Active))
			return err
		},
	}
}

func printSubscriptions(w io.Writer, subs []db.Subscription) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBROADCASTER\tDESTINATION\tSTATE\tWATERMARK")
	for _, s := range subs {
		wm := "-"
		if s.WatermarkClipID != "" {
			wm = s.WatermarkClipID + " @ " + s.WatermarkCreatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.BroadcasterHandle, s.DestinationID, state(s.Active), wm)
	}
	return tw.Flush()
}

func state(active bool) string {
	if active {
		return "active"
	}
	return "paused"
}
