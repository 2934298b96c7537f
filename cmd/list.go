package cmd

import (
	"context"
	"strconv"
	"strings"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

const dateFormat = "2006-01-02 15:04"

var listCmd = &cobra.Command{
	Use:   "list <account> [folder]",
	Short: "Display the local folders of an account, or the messages of a folder",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountID := args[0]
		if _, err := app.config.Account(accountID); err != nil {
			return nil, err
		}
		if len(args) == 1 {
			return nil, app.listFolders(accountID)
		}
		return nil, app.listMessages(accountID, args[1])
	})
}

func (app *application) listFolders(accountID string) error {
	table := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"ID", "Folder", "Type", "Messages", "Unread"},
	})
	err := app.store.View(func(tx storage.Tx) error {
		folders, err := tx.Folders(accountID)
		if err != nil {
			return err
		}
		for _, folder := range folders {
			headers, err := tx.Headers(accountID, folder.ID)
			if err != nil {
				return err
			}
			unread := 0
			for _, header := range headers {
				if !lib.HasFlag(header.Flags, "\\Seen") {
					unread++
				}
			}
			table.Data = append(table.Data, []string{
				folder.ID,
				folder.Path,
				string(folder.Type),
				strconv.Itoa(len(headers)),
				strconv.Itoa(unread),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return table.Render()
}

func (app *application) listMessages(accountID, path string) error {
	folder, err := app.folderByPath(accountID, path)
	if err != nil {
		return err
	}
	var headers []mailbox.Header
	err = app.store.View(func(tx storage.Tx) error {
		headers, err = tx.Headers(accountID, folder.ID)
		return err
	})
	if err != nil {
		return err
	}
	table := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"ID", "Date", "From", "Subject", "Flags", "UID"},
	})
	for _, header := range headers {
		uid := ""
		if header.ServerID > 0 {
			uid = strconv.FormatUint(uint64(header.ServerID), 10)
		}
		table.Data = append(table.Data, []string{
			header.SUID.String(),
			header.Date.Local().Format(dateFormat),
			header.From,
			header.Subject,
			displayFlags(header.Flags),
			uid,
		})
	}
	return table.Render()
}

func displayFlags(source []string) string {
	flags := make([]string, len(source))
	for i, flag := range source {
		flags[i] = strings.TrimPrefix(flag, "\\")
	}
	return strings.Join(flags, ", ")
}
