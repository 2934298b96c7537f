package universe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creativeprojects/offmail/broker"
	"github.com/creativeprojects/offmail/driver"
	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxTryCount      = 3
	DefaultUnknownErrorStep = 2
	DefaultDeferredDelay    = 30 * time.Second
	DefaultOpTimeout        = 2 * time.Minute
	DefaultMaxProblems      = 20
)

var (
	ErrClosed            = errors.New("universe closed")
	ErrOperationNotFound = errors.New("operation not found")
	ErrAccountExists     = errors.New("account already added")
)

type Config struct {
	Store storage.Store
	// MaxTryCount is the number of failed attempts before an operation is abandoned
	MaxTryCount int
	// UnknownErrorStep is added to the try count on unknown errors, instead of one
	UnknownErrorStep int
	DeferredDelay    time.Duration
	HistoryLimit     int
	// OpTimeout limits the duration of each online phase
	OpTimeout   time.Duration
	MaxProblems int
	DebugLogger lib.Logger
}

// Universe schedules the operations of all the accounts: local phases are applied
// as soon as an operation is enqueued, and the online phases run one at a time per account
// while the universe is online.
type Universe struct {
	config Config
	store  storage.Store
	driver *driver.Driver
	log    lib.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	online   bool
	closed   bool
	accounts map[string]*account
	timer    *time.Timer
	timerAt  time.Time
}

// pendingCompletion is a completion waiting to be sent once the lock is released
type pendingCompletion struct {
	callbacks  []func(job.Completion)
	completion job.Completion
	// after is work left for when the universe lock is released
	after func()
}

func New(config Config) (*Universe, error) {
	if config.Store == nil {
		return nil, errors.New("missing local store")
	}
	if config.MaxTryCount <= 0 {
		config.MaxTryCount = DefaultMaxTryCount
	}
	if config.UnknownErrorStep <= 0 {
		config.UnknownErrorStep = DefaultUnknownErrorStep
	}
	if config.DeferredDelay <= 0 {
		config.DeferredDelay = DefaultDeferredDelay
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = job.DefaultHistoryLimit
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = DefaultOpTimeout
	}
	if config.MaxProblems <= 0 {
		config.MaxProblems = DefaultMaxProblems
	}
	logger := config.DebugLogger
	if logger == nil {
		logger = &lib.NoLog{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Universe{
		config:   config,
		store:    config.Store,
		driver:   driver.New(),
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		accounts: make(map[string]*account),
	}, nil
}

// AddAccount loads the persisted operations of the account. Every operation still wanting
// something is checked against the server before anything else is attempted.
func (u *Universe) AddAccount(config AccountConfig) error {
	if config.ID == "" {
		return errors.New("missing account ID")
	}
	var record *job.AccountRecord
	err := u.store.View(func(tx storage.Tx) error {
		var err error
		record, err = loadRecord(tx, config.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("cannot load operations of account %q: %w", config.ID, err)
	}

	a := &account{
		id:        config.ID,
		queue:     job.RestoreQueue(u.config.HistoryLimit, record),
		record:    record,
		enabled:   !config.Disabled,
		callbacks: make(map[string][]func(job.Completion)),
	}
	record.Mutations, record.Queue = nil, nil
	for _, op := range a.queue.History() {
		if op.Desire != job.DesireNone {
			op.Status = job.StatusChecking
		}
	}
	a.broker = broker.New(broker.Config{
		AccountID:      config.ID,
		Dialer:         config.Dialer,
		MaxConnections: config.MaxConnections,
		Backoff:        config.Backoff,
		Busy:           a.busy.Load,
		DebugLogger:    lib.WithPrefix(u.log, "broker "+config.ID),
	})
	a.acct = &driver.Account{
		ID:        config.ID,
		Store:     u.store,
		Broker:    a.broker,
		Outbox:    config.Outbox,
		Sender:    config.Sender,
		From:      config.From,
		TrashPath: config.TrashPath,
		SentPath:  config.SentPath,
		Domain:    config.Domain,
		Log:       lib.WithPrefix(u.log, config.ID),
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		_ = a.broker.Close()
		return ErrClosed
	}
	if _, ok := u.accounts[config.ID]; ok {
		u.mu.Unlock()
		_ = a.broker.Close()
		return fmt.Errorf("%w: %q", ErrAccountExists, config.ID)
	}
	u.accounts[config.ID] = a
	u.log.Printf("account %q loaded: %d operations pending", config.ID, a.queue.Pending())
	a.updateGauges()
	completions := u.dispatchLocked(a)
	u.mu.Unlock()

	u.complete(completions)
	return nil
}

// SetOnline starts or stops sending operations to the servers.
// Operations running when going offline are left to fail on their own.
func (u *Universe) SetOnline(online bool) {
	u.mu.Lock()
	u.online = online
	u.log.Printf("universe online: %v", online)
	var completions []pendingCompletion
	if online {
		for _, a := range u.sortedAccountsLocked() {
			completions = append(completions, u.dispatchLocked(a)...)
		}
	}
	u.mu.Unlock()

	u.complete(completions)
}

func (u *Universe) Online() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.online
}

func (u *Universe) SetAccountEnabled(accountID string, enabled bool) error {
	u.mu.Lock()
	a, err := u.accountLocked(accountID)
	if err != nil {
		u.mu.Unlock()
		return err
	}
	a.enabled = enabled
	completions := u.dispatchLocked(a)
	u.mu.Unlock()

	u.complete(completions)
	return nil
}

// WaitForAllOpsComplete returns once the account has no operation queued, deferred or running
func (u *Universe) WaitForAllOpsComplete(ctx context.Context, accountID string) error {
	u.mu.Lock()
	a, err := u.accountLocked(accountID)
	if err != nil {
		u.mu.Unlock()
		return err
	}
	if a.idle() {
		u.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	a.waiters = append(a.waiters, done)
	u.mu.Unlock()

	select {
	case <-done:
		if u.isClosed() {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryDeferred puts all the deferred operations back in their queue without waiting for the delay
func (u *Universe) RetryDeferred() {
	u.resplice(true)
}

// Operation returns a copy of the operation
func (u *Universe) Operation(longtermID string) (*job.Operation, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	a, err := u.accountLocked(job.AccountFromLongtermID(longtermID))
	if err != nil {
		return nil, err
	}
	op, ok := a.queue.Get(longtermID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrOperationNotFound, longtermID)
	}
	return op.Clone()
}

// Operations returns a copy of the undo history of the account, oldest first
func (u *Universe) Operations(accountID string) ([]*job.Operation, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	a, err := u.accountLocked(accountID)
	if err != nil {
		return nil, err
	}
	history := a.queue.History()
	ops := make([]*job.Operation, 0, len(history))
	for _, op := range history {
		clone, err := op.Clone()
		if err != nil {
			return nil, err
		}
		ops = append(ops, clone)
	}
	return ops, nil
}

// Problems returns the latest operations given up on
func (u *Universe) Problems(accountID string) ([]job.Problem, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	a, err := u.accountLocked(accountID)
	if err != nil {
		return nil, err
	}
	return append([]job.Problem(nil), a.record.Problems...), nil
}

// Close stops dispatching, waits for the running online phases to return and closes all the connections
func (u *Universe) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	accounts := u.sortedAccountsLocked()
	u.mu.Unlock()

	u.cancel()
	u.wg.Wait()

	g := new(errgroup.Group)
	for _, a := range accounts {
		a := a
		g.Go(a.broker.Close)
	}
	err := g.Wait()

	u.mu.Lock()
	for _, a := range accounts {
		u.wakeWaitersLocked(a)
	}
	u.mu.Unlock()
	return err
}

func (u *Universe) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.closed
}

func (u *Universe) accountLocked(accountID string) (*account, error) {
	a, ok := u.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", lib.ErrAccountNotFound, accountID)
	}
	return a, nil
}

func (u *Universe) sortedAccountsLocked() []*account {
	list := make([]*account, 0, len(u.accounts))
	for _, a := range u.accounts {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

func (u *Universe) wakeWaitersLocked(a *account) {
	for _, waiter := range a.waiters {
		close(waiter)
	}
	a.waiters = nil
}

// complete sends the completions and runs the work left for after the lock, without holding it
func (u *Universe) complete(completions []pendingCompletion) {
	for _, pending := range completions {
		if pending.after != nil {
			pending.after()
			continue
		}
		for _, callback := range pending.callbacks {
			callback(pending.completion)
		}
	}
}
