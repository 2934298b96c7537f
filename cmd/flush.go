package cmd

import (
	"context"
	"errors"

	"github.com/creativeprojects/offmail/term"
	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush [account...]",
	Short: "Go online and send all the pending operations to the server",
	RunE:  runFlush,
}

func init() {
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountIDs, err := selectAccounts(app, args)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, global.timeout)
		defer cancel()

		err = app.flush(ctx, accountIDs)
		if errors.Is(err, context.DeadlineExceeded) {
			term.Warn("some operations are still waiting: run flush again later")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		term.Info("all operations sent")
		// already flushed
		return nil, nil
	})
}
