package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/term"
	"github.com/spf13/cobra"
)

var sendNoSave bool

var sendCmd = &cobra.Command{
	Use:   "send <account> [file...]",
	Short: "Queue messages in the outbox and send everything waiting there",
	Long: "\nQueue messages in the outbox and send everything waiting there.\n" +
		"Each file is a complete RFC 5322 message, use - to read one from the standard input.",
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVar(&sendNoSave, "no-save", false, "do not save a copy of the messages in the Sent folder")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	bodies := make([][]byte, 0, len(args)-1)
	for _, filename := range args[1:] {
		body, err := readMessage(cmd.InOrStdin(), filename)
		if err != nil {
			return err
		}
		bodies = append(bodies, body)
	}
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountID := args[0]
		if _, err := app.config.Account(accountID); err != nil {
			return nil, err
		}
		outbox, ok := app.outboxes[accountID]
		if !ok {
			return nil, errors.New("no outbox configured")
		}
		for _, body := range bodies {
			key, err := outbox.Queue(body)
			if err != nil {
				return nil, fmt.Errorf("cannot queue message: %w", err)
			}
			term.Debugf("message %s queued in outbox", key)
		}
		return []string{accountID}, app.enqueue(accountID, &job.SendOutbox{SaveToSent: !sendNoSave})
	})
}

func readMessage(stdin io.Reader, filename string) ([]byte, error) {
	if filename == "-" {
		return io.ReadAll(stdin)
	}
	body, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot read message: %w", err)
	}
	return body, nil
}
