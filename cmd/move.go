package cmd

import (
	"context"

	"github.com/creativeprojects/offmail/job"
	"github.com/spf13/cobra"
)

var moveCmd = &cobra.Command{
	Use:   "move <account> <folder> <message...>",
	Short: "Move messages to another folder of the same account",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runMove,
}

func init() {
	rootCmd.AddCommand(moveCmd)
}

func runMove(cmd *cobra.Command, args []string) error {
	messages, err := parseMessages(args[2:])
	if err != nil {
		return err
	}
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountID := args[0]
		target, err := app.folderByPath(accountID, args[1])
		if err != nil {
			return nil, err
		}
		return []string{accountID}, app.enqueue(accountID, &job.Move{
			Messages:     messages,
			TargetFolder: target.ID,
		})
	})
}
