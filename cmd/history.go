package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/term"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:     "pending [account...]",
	Aliases: []string{"history"},
	Short:   "Display the operations history and the operations given up on",
	RunE:    runPending,
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}

func runPending(cmd *cobra.Command, args []string) error {
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountIDs, err := selectAccounts(app, args)
		if err != nil {
			return nil, err
		}
		for _, accountID := range accountIDs {
			ops, err := app.universe.Operations(accountID)
			if err != nil {
				return nil, err
			}
			problems, err := app.universe.Problems(accountID)
			if err != nil {
				return nil, err
			}
			term.Infof("%s:", accountID)
			if len(ops) == 0 {
				term.Info("no operation in history")
			} else {
				displayHistory(ops)
			}
			if len(problems) > 0 {
				displayProblems(problems)
			}
		}
		return nil, nil
	})
}

func displayHistory(ops []*job.Operation) {
	table := pterm.DefaultTable.WithBoxed(true).WithHasHeader().WithData(pterm.TableData{
		{"ID", "Date", "Operation", "Status", "Desire", "Tries", "Details"},
	})
	for _, op := range ops {
		table.Data = append(table.Data, []string{
			op.LongtermID,
			op.Created.Local().Format(dateFormat),
			string(op.Type()),
			op.Status.String(),
			op.Desire.String(),
			strconv.Itoa(op.TryCount),
			describe(op.Payload),
		})
	}
	_ = table.Render()
}

func displayProblems(problems []job.Problem) {
	table := pterm.DefaultTable.WithBoxed(true).WithHasHeader().WithData(pterm.TableData{
		{"Date", "ID", "Operation", "Problem"},
	})
	for _, problem := range problems {
		table.Data = append(table.Data, []string{
			problem.Date.Local().Format(dateFormat),
			problem.LongtermID,
			string(problem.Type),
			problem.Message,
		})
	}
	term.Warn("operations given up on:")
	_ = table.Render()
}

func describe(payload job.Payload) string {
	switch p := payload.(type) {
	case *job.ModTags:
		changes := make([]string, 0, len(p.AddTags)+len(p.RemoveTags))
		for _, tag := range p.AddTags {
			changes = append(changes, "+"+tag)
		}
		for _, tag := range p.RemoveTags {
			changes = append(changes, "-"+tag)
		}
		return fmt.Sprintf("%s on %s", strings.Join(changes, " "), countMessages(len(p.Messages)))
	case *job.Move:
		return fmt.Sprintf("%s to folder %s", countMessages(len(p.Messages)), p.TargetFolder)
	case *job.Copy:
		return fmt.Sprintf("%s to folder %s", countMessages(len(p.Messages)), p.TargetFolder)
	case *job.Delete:
		return countMessages(len(p.Messages))
	case *job.Append:
		return fmt.Sprintf("%s to folder %s", countMessages(len(p.Messages)), p.FolderID)
	case *job.CreateFolder:
		return p.Path
	case *job.Download:
		return p.Message.String()
	case *job.DownloadBodies:
		return countMessages(len(p.Messages))
	case *job.SendOutbox:
		if len(p.Sent) > 0 {
			return fmt.Sprintf("%d sent", len(p.Sent))
		}
		return ""
	}
	return ""
}

func countMessages(count int) string {
	if count == 1 {
		return "1 message"
	}
	return strconv.Itoa(count) + " messages"
}
