package cmd

import (
	"context"
	"errors"

	"github.com/creativeprojects/offmail/job"
	"github.com/spf13/cobra"
)

var (
	flagAdd    []string
	flagRemove []string
)

var flagCmd = &cobra.Command{
	Use:   "flag <account> <message...>",
	Short: "Add or remove flags on messages",
	Example: `  offmail flag work 3/12 3/13 --add '\Seen'
  offmail flag work 3/12 --remove '\Flagged'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runFlag,
}

func init() {
	flag := flagCmd.Flags()
	flag.StringSliceVarP(&flagAdd, "add", "a", nil, "flags to add")
	flag.StringSliceVarP(&flagRemove, "remove", "r", nil, "flags to remove")
	rootCmd.AddCommand(flagCmd)
}

func runFlag(cmd *cobra.Command, args []string) error {
	if len(flagAdd) == 0 && len(flagRemove) == 0 {
		return errors.New("no flag to add or remove")
	}
	messages, err := parseMessages(args[1:])
	if err != nil {
		return err
	}
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountID := args[0]
		return []string{accountID}, app.enqueue(accountID, &job.ModTags{
			Messages:   messages,
			AddTags:    flagAdd,
			RemoveTags: flagRemove,
		})
	})
}
