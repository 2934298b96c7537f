package cmd

import (
	"context"
	"fmt"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	"github.com/creativeprojects/offmail/term"
	"github.com/spf13/cobra"
)

var duplicatesDelete bool

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates <account>",
	Short: "Find duplicate emails across folders (in the same account)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDuplicates,
}

func init() {
	duplicatesCmd.Flags().BoolVar(&duplicatesDelete, "delete", false, "delete the duplicates, keeping the first copy found")
	rootCmd.AddCommand(duplicatesCmd)
}

func runDuplicates(cmd *cobra.Command, args []string) error {
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountID := args[0]
		if _, err := app.config.Account(accountID); err != nil {
			return nil, err
		}
		unique, duplicates, err := app.findDuplicates(accountID)
		if err != nil {
			return nil, err
		}

		term.Infof("total of %d unique messages", unique)
		switch len(duplicates) {
		case 0:
			term.Info("no duplicate message")
			return nil, nil
		case 1:
			term.Info("found 1 duplicate message")
		default:
			term.Infof("found %d duplicate messages", len(duplicates))
		}
		if !duplicatesDelete {
			return nil, nil
		}
		return []string{accountID}, app.enqueue(accountID, &job.Delete{
			Move: job.Move{Messages: duplicates},
		})
	})
}

// findDuplicates returns the number of distinct Message-ID, and all the messages but the first of each Message-ID.
// The trash is left out.
func (app *application) findDuplicates(accountID string) (int, []mailbox.SUID, error) {
	seen := make(map[string]mailbox.SUID)
	duplicates := make([]mailbox.SUID, 0)
	err := app.store.View(func(tx storage.Tx) error {
		folders, err := tx.Folders(accountID)
		if err != nil {
			return err
		}
		for _, folder := range folders {
			if folder.Type == mailbox.FolderTrash {
				continue
			}
			headers, err := tx.Headers(accountID, folder.ID)
			if err != nil {
				return fmt.Errorf("cannot read folder %q: %w", folder.Path, err)
			}
			for _, header := range headers {
				if header.MessageID == "" {
					term.Debugf("missing Message-ID on message %s", header.SUID)
					continue
				}
				if first, found := seen[header.MessageID]; found {
					term.Debugf("message %s is a duplicate of %s", header.SUID, first)
					duplicates = append(duplicates, header.SUID)
					continue
				}
				seen[header.MessageID] = header.SUID
			}
		}
		return nil
	})
	return len(seen), duplicates, err
}
