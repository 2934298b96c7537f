package cmd

import (
	"context"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/spf13/cobra"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <account> <path>",
	Short: "Create a folder on the server",
	Long:  "\nCreate a folder on the server. The folder is available locally once the server created it.",
	Args:  cobra.ExactArgs(2),
	RunE:  runMkdir,
}

func init() {
	rootCmd.AddCommand(mkdirCmd)
}

func runMkdir(cmd *cobra.Command, args []string) error {
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountID, path := args[0], args[1]
		return []string{accountID}, app.enqueue(accountID, &job.CreateFolder{
			Path:       path,
			FolderType: mailbox.DetectFolderType(path, nil),
		})
	})
}
