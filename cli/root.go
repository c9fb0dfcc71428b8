// Package cli implements clipctl, the operator command line for subscriptions,
// one-off poll cycles, and schema migrations.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/relay"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran but reported failures
	ExitCommandError = 2 // bad arguments, unreachable database
)

// ExitError carries an exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// SubscriptionAdmin is the store surface subscription commands need.
type SubscriptionAdmin interface {
	AddSubscription(ctx context.Context, handle, destinationID string) (db.Subscription, bool, error)
	ListSubscriptions(ctx context.Context) ([]db.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (db.Subscription, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// Env opens the resources commands act on. Implementations open lazily so
// --help never touches the database.
type Env interface {
	Subscriptions(ctx context.Context) (SubscriptionAdmin, error)
	RunCycle(ctx context.Context) (relay.CycleReport, error)
	Migrate(ctx context.Context, action string) (string, error)
	Close() error
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	Env    Env
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for clipctl.
func NewRootCommand(env Env) *cobra.Command {
	opts := &RootOptions{Env: env}

	cmd := &cobra.Command{
		Use:   "clipctl",
		Short: "Manage the clip-tender relay",
		Long:  "Operator tool for clip-tender: manage broadcaster subscriptions, run a poll cycle on demand, and migrate the schema.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSubsCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
