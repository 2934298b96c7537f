package cmd

import (
	"context"

	"github.com/creativeprojects/offmail/job"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <account> <message...>",
	Short: "Move messages to the trash, or delete them for good when they already are in the trash",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	messages, err := parseMessages(args[1:])
	if err != nil {
		return err
	}
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountID := args[0]
		return []string{accountID}, app.enqueue(accountID, &job.Delete{
			Move: job.Move{Messages: messages},
		})
	})
}
