package cmd

import (
	"context"
	"fmt"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
	"github.com/creativeprojects/offmail/term"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [account...]",
	Short: "Fetch the folders and the new message headers from the server",
	RunE:  runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return withApplication(cmd.Context(), func(ctx context.Context, app *application) ([]string, error) {
		accountIDs, err := selectAccounts(app, args)
		if err != nil {
			return nil, err
		}
		var spinner *pterm.SpinnerPrinter
		if !global.quiet && !global.verbose {
			spinner, _ = pterm.DefaultSpinner.Start("refreshing...")
		}
		pbar := newProgresser(spinner)
		stats, err := app.refresh(ctx, accountIDs, pbar)
		if spinner != nil {
			_ = spinner.Stop()
		}
		for _, accountID := range accountIDs {
			term.Infof("%s: %d folders, %d new messages", accountID, stats[accountID].Folders, stats[accountID].Messages)
			if stats[accountID].Reset > 0 {
				term.Warnf("%s: %d folders were fetched again from scratch", accountID, stats[accountID].Reset)
			}
		}
		return accountIDs, err
	})
}

// refresh all the accounts at the same time, each on its own connection
func (app *application) refresh(ctx context.Context, accountIDs []string, pbar storage.Progresser) (map[string]storage.RefreshStats, error) {
	results := make([]storage.RefreshStats, len(accountIDs))
	g, ctx := errgroup.WithContext(ctx)
	for i, accountID := range accountIDs {
		i, accountID := i, accountID
		dialer, ok := app.dialers[accountID]
		if !ok {
			return nil, fmt.Errorf("account not found: %s", accountID)
		}
		g.Go(func() error {
			conn, err := dialer.Dial(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", accountID, err)
			}
			defer conn.Close()

			results[i], err = storage.Refresh(ctx, app.store, conn, accountID, pbar, lib.WithPrefix(app.log, "refresh "+accountID))
			if err != nil {
				return fmt.Errorf("%s: %w", accountID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	stats := make(map[string]storage.RefreshStats, len(accountIDs))
	for i, accountID := range accountIDs {
		stats[accountID] = results[i]
	}
	return stats, err
}

// selectAccounts returns the accounts named in args, or all of them
func selectAccounts(app *application, args []string) ([]string, error) {
	if len(args) == 0 {
		return app.config.AccountIDs(), nil
	}
	for _, accountID := range args {
		if _, err := app.config.Account(accountID); err != nil {
			return nil, err
		}
	}
	return args, nil
}
