package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down|version>",
		Short:     "Apply, roll back, or inspect schema migrations",
		Long:      "Apply pending migrations (up), roll back the latest one (down, destroys watermark state), or print the current version.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.Env.Migrate(cmd.Context(), args[0])
			if err != nil {
				return &ExitError{Code: ExitFailure, Message: "migrate " + args[0], Err: err}
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"action": args[0], "result": msg})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), msg)
			return err
		},
	}
}
