package cmd

import (
	"context"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/term"
	"github.com/spf13/cobra"
)

var undoCmd = &cobra.Command{
	Use:   "undo <operation...>",
	Short: "Revert operations, locally first and then on the server",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUndo,
}

func init() {
	rootCmd.AddCommand(undoCmd)
}

func runUndo(cmd *cobra.Command, args []string) error {
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountIDs := make([]string, 0, len(args))
		for _, longtermID := range args {
			err := app.universe.Undo(longtermID)
			if err != nil {
				return accountIDs, err
			}
			term.Infof("operation %s will be reverted", longtermID)
			accountIDs = appendUnique(accountIDs, job.AccountFromLongtermID(longtermID))
		}
		return accountIDs, nil
	})
}

func appendUnique(list []string, value string) []string {
	for _, item := range list {
		if item == value {
			return list
		}
	}
	return append(list, value)
}
