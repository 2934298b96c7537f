package cmd

import (
	"context"

	"github.com/creativeprojects/offmail/job"
	"github.com/spf13/cobra"
)

var copyCmd = &cobra.Command{
	Use:   "copy <account> <folder> <message...>",
	Short: "Copy messages into another folder of the same account",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runCopy,
}

func init() {
	rootCmd.AddCommand(copyCmd)
}

func runCopy(cmd *cobra.Command, args []string) error {
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
		return []string{accountID}, app.enqueue(accountID, &job.Copy{
			Messages:     messages,
			TargetFolder: target.ID,
		})
	})
}
