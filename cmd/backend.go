package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/creativeprojects/offmail/cfg"
	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/limitio"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	"github.com/creativeprojects/offmail/storage/local"
	"github.com/creativeprojects/offmail/storage/mdir"
	"github.com/creativeprojects/offmail/storage/remote"
	"github.com/creativeprojects/offmail/term"
	"github.com/creativeprojects/offmail/universe"
	"golang.org/x/sync/errgroup"
)

// application holds the local store and the engine replaying the operations of the configured accounts
type application struct {
	config   *cfg.Config
	store    *local.BoltStore
	outboxes map[string]*mdir.Outbox
	universe *universe.Universe
	dialers  map[string]storage.Dialer
	log      lib.Logger
}

// openApplication loads the operations of every configured account. The engine starts offline.
func openApplication(config *cfg.Config, logger lib.Logger) (*application, error) {
	if config == nil {
		return nil, errors.New("no configuration loaded")
	}
	if logger == nil {
		logger = &lib.NoLog{}
	}
	store, err := local.NewBoltStoreWithLogger(config.Store, lib.WithPrefix(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("cannot open local store: %w", err)
	}
	app := &application{
		config:   config,
		store:    store,
		outboxes: make(map[string]*mdir.Outbox, len(config.Accounts)),
		dialers:  make(map[string]storage.Dialer, len(config.Accounts)),
		log:      logger,
	}
	app.universe, err = universe.New(universe.Config{
		Store:            store,
		MaxTryCount:      config.Engine.MaxTryCount,
		UnknownErrorStep: config.Engine.UnknownErrorStep,
		DeferredDelay:    config.Engine.DeferredDelay,
		HistoryLimit:     config.Engine.UndoHistory,
		OpTimeout:        config.Engine.OpTimeout,
		MaxProblems:      config.Engine.MaxProblems,
		DebugLogger:      lib.WithPrefix(logger, "universe"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, accountID := range config.AccountIDs() {
		err = app.addAccount(accountID, config.Accounts[accountID])
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("account %q: %w", accountID, err)
		}
	}
	return app, nil
}

func (app *application) addAccount(accountID string, account cfg.Account) error {
	dialer, err := newDialer(account, app.config.Engine.OpTimeout, lib.WithPrefix(app.log, "imap "+accountID))
	if err != nil {
		return err
	}
	app.dialers[accountID] = dialer
	accountConfig := universe.AccountConfig{
		ID:             accountID,
		Dialer:         dialer,
		MaxConnections: account.MaxConnections,
		From:           account.SMTP.From,
		TrashPath:      account.Folders.Trash,
		SentPath:       account.Folders.Sent,
		Domain:         domainOf(account.SMTP.From),
		Disabled:       account.Disabled,
	}
	if app.config.Outbox != "" {
		// each account has its own spool, named after the server and the user
		root := filepath.Join(app.config.Outbox, lib.AccountTag(account.ServerURL, account.Username))
		outbox, err := mdir.NewWithLogger(root, accountConfig.Domain, lib.WithPrefix(app.log, "outbox "+accountID))
		if err != nil {
			term.Warnf("%s: outbox disabled: %s", accountID, err)
		} else {
			app.outboxes[accountID] = outbox
			accountConfig.Outbox = outbox
		}
	}
	if account.SMTP.ServerURL != "" {
		sender, err := remote.NewSMTPSender(remote.SMTPConfig{
			ServerURL:           account.SMTP.ServerURL,
			Username:            account.SMTP.Username,
			Password:            account.SMTP.Password,
			NoTLS:               account.SMTP.NoTLS,
			ImplicitTLS:         account.SMTP.ImplicitTLS,
			SkipTLSVerification: account.SkipTLSVerification,
			DebugLogger:         lib.WithPrefix(app.log, "smtp "+accountID),
		})
		if err != nil {
			return err
		}
		accountConfig.Sender = sender
	}
	return app.universe.AddAccount(accountConfig)
}

func newDialer(account cfg.Account, timeout time.Duration, logger lib.Logger) (*remote.Dialer, error) {
	return remote.NewDialer(remote.Config{
		ServerURL:           account.ServerURL,
		Username:            account.Username,
		Password:            account.Password,
		DebugLogger:         logger,
		NoTLS:               account.NoTLS,
		SkipTLSVerification: account.SkipTLSVerification,
		Compress:            account.Compress,
		Timeout:             timeout,
		DownloadLimiter:     limitio.NewLimiter(account.DownloadRate),
		UploadLimiter:       limitio.NewLimiter(account.UploadRate),
	})
}

// Close waits for the online phases still running, then closes the store
func (app *application) Close() error {
	var err error
	if app.universe != nil {
		err = app.universe.Close()
	}
	return errors.Join(err, app.store.Close())
}

// flush goes online and waits until the accounts have nothing left to send
func (app *application) flush(ctx context.Context, accountIDs []string) error {
	app.universe.SetOnline(true)
	app.universe.RetryDeferred()
	defer app.universe.SetOnline(false)

	g, ctx := errgroup.WithContext(ctx)
	for _, accountID := range accountIDs {
		accountID := accountID
		g.Go(func() error {
			err := app.universe.WaitForAllOpsComplete(ctx, accountID)
			if err != nil {
				return fmt.Errorf("account %q: %w", accountID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// folderByPath finds the local folder matching the server path, or its short name
func (app *application) folderByPath(accountID, path string) (*mailbox.Folder, error) {
	var folder *mailbox.Folder
	err := app.store.View(func(tx storage.Tx) error {
		var err error
		folder, err = tx.FolderByPath(accountID, path)
		if err == nil {
			return nil
		}
		folders, errList := tx.Folders(accountID)
		if errList != nil {
			return errList
		}
		for i := range folders {
			if folders[i].Name == path {
				folder = &folders[i]
				return nil
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("folder %q: %w", path, err)
	}
	return folder, nil
}

// withApplication opens the application for the duration of fn, then flushes the accounts when requested
func withApplication(ctx context.Context, fn func(ctx context.Context, app *application) ([]string, error)) error {
	var logger lib.Logger
	if global.verbose {
		logger = term.NewLogger()
	}
	app, err := openApplication(config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			term.Errorf("error closing: %s", err)
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	accountIDs, err := fn(ctx, app)
	if err != nil {
		return err
	}
	if !global.flush || len(accountIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, global.timeout)
	defer cancel()
	term.Info("sending operations to the server...")
	return app.flush(ctx, accountIDs)
}

func parseMessages(args []string) ([]mailbox.SUID, error) {
	messages := make([]mailbox.SUID, 0, len(args))
	for _, arg := range args {
		suid := mailbox.SUID(arg)
		if suid.FolderID() == "" || suid.ID() == 0 {
			return nil, fmt.Errorf("invalid message identifier %q: expected folder/id", arg)
		}
		messages = append(messages, suid)
	}
	return messages, nil
}

func domainOf(address string) string {
	_, domain, found := strings.Cut(address, "@")
	if !found {
		return ""
	}
	return strings.Trim(domain, "<> ")
}

func (app *application) enqueue(accountID string, payload job.Payload) error {
	longtermID, err := app.universe.Enqueue(accountID, payload, universe.WithCompletion(func(completion job.Completion) {
		if completion.Err != nil {
			term.Warnf("operation %s: %s (%s)", completion.LongtermID, completion.Status, completion.Err)
			return
		}
		term.Debugf("operation %s: %s", completion.LongtermID, completion.Status)
	}))
	if err != nil {
		return err
	}
	term.Infof("operation %s queued", longtermID)
	return nil
}
