package cmd

import (
	"context"
	"errors"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	"github.com/spf13/cobra"
)

var (
	downloadFolder  string
	downloadMaxSize uint32
)

var downloadCmd = &cobra.Command{
	Use:   "download <account> [message...]",
	Short: "Download the body of messages for offline reading",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDownload,
}

func init() {
	flag := downloadCmd.Flags()
	flag.StringVarP(&downloadFolder, "folder", "f", "", "download all the messages of the folder")
	flag.Uint32Var(&downloadMaxSize, "max-size", 0, "skip messages bigger than this size (in bytes)")
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	messages, err := parseMessages(args[1:])
	if err != nil {
		return err
	}
	if len(messages) == 0 && downloadFolder == "" {
		return errors.New("no message to download")
	}
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountID := args[0]
		if downloadFolder != "" {
			folderMessages, err := app.messagesWithoutBody(accountID, downloadFolder)
			if err != nil {
				return nil, err
			}
			messages = append(messages, folderMessages...)
		}
		if len(messages) == 1 && downloadMaxSize == 0 {
			return []string{accountID}, app.enqueue(accountID, &job.Download{Message: messages[0]})
		}
		return []string{accountID}, app.enqueue(accountID, &job.DownloadBodies{
			Messages: messages,
			MaxSize:  downloadMaxSize,
		})
	})
}

func (app *application) messagesWithoutBody(accountID, path string) ([]mailbox.SUID, error) {
	folder, err := app.folderByPath(accountID, path)
	if err != nil {
		return nil, err
	}
	var messages []mailbox.SUID
	err = app.store.View(func(tx storage.Tx) error {
		headers, err := tx.Headers(accountID, folder.ID)
		if err != nil {
			return err
		}
		for _, header := range headers {
			if !header.HasBody {
				messages = append(messages, header.SUID)
			}
		}
		return nil
	})
	return messages, err
}
