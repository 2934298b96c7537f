package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
)

const DefaultMaxConnections = 3

var ErrClosed = errors.New("broker closed")

type Config struct {
	AccountID      string
	Dialer         storage.Dialer
	MaxConnections int
	Backoff        *Backoff
	// Busy reports if more work is coming for the account: idle connections stay open while it returns true.
	// It's called with the broker lock held so it must not call back into the broker.
	Busy        func() bool
	DebugLogger lib.Logger
}

// Options of a demand
type Options struct {
	NeedsConnection bool
	// DieOnConnectFailure fails the demand as soon as a connection attempt fails,
	// instead of waiting for the next attempt
	DieOnConnectFailure bool
	Label               string
}

// Broker arbitrates the exclusive access to the folders of an account, and the pool of
// connections to its server. Demands are served in order: a demand waiting for a connection
// is never overtaken by a later one.
type Broker struct {
	accountID string
	dialer    storage.Dialer
	backoff   *Backoff
	busy      func() bool
	log       lib.Logger
	max       int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	demands []*demand
	held    map[string]string
	idle    []storage.Connection
	open    int
	dialing int
	closed  bool
}

type grant struct {
	lease *Lease
	err   error
}

type demand struct {
	folders []string
	options Options
	result  chan grant
}

func New(config Config) *Broker {
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.Backoff == nil {
		config.Backoff = NewBackoff(DefaultBackoffConfig())
	}
	logger := config.DebugLogger
	if logger == nil {
		logger = &lib.NoLog{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		accountID: config.AccountID,
		dialer:    config.Dialer,
		backoff:   config.Backoff,
		busy:      config.Busy,
		log:       logger,
		max:       config.MaxConnections,
		ctx:       ctx,
		cancel:    cancel,
		held:      make(map[string]string),
	}
}

// Acquire waits until all the folders are free and, if requested, a connection is available.
// Folders are locked all together, in ascending order of ID.
// The returned lease must be released (or discarded when its connection is broken).
func (b *Broker) Acquire(ctx context.Context, folderIDs []string, options Options) (*Lease, error) {
	d := &demand{
		folders: SortFolders(folderIDs),
		options: options,
		result:  make(chan grant, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if options.NeedsConnection && b.dialer == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: no server configured", lib.ErrConnectionLost)
	}
	b.log.Printf("demand %q: folders=%v connection=%v", options.Label, d.folders, options.NeedsConnection)
	b.demands = append(b.demands, d)
	b.pumpLocked()
	b.mu.Unlock()

	select {
	case g := <-d.result:
		return g.lease, g.err
	case <-ctx.Done():
		b.mu.Lock()
		removed := b.removeDemandLocked(d)
		if removed {
			b.pumpLocked()
		}
		b.mu.Unlock()
		if !removed {
			// granted in the meantime
			g := <-d.result
			if g.lease != nil {
				g.lease.Release()
			}
		}
		return nil, ctx.Err()
	}
}

// CloseIdle closes the idle connections when nothing is waiting for one
func (b *Broker) CloseIdle() {
	b.mu.Lock()
	toClose := b.closeIdleLocked(true)
	b.mu.Unlock()
	b.closeAll(toClose)
}

// Close fails all the waiting demands and closes the idle connections.
// Connections still leased are closed when released.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	for _, d := range b.demands {
		d.result <- grant{err: ErrClosed}
	}
	b.demands = nil
	toClose := b.closeIdleLocked(true)
	metricDemands.WithLabelValues(b.accountID).Set(0)
	b.mu.Unlock()

	b.closeAll(toClose)
	b.wg.Wait()
	return nil
}

// OpenConnections counts the idle and leased connections
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.open
}

func (b *Broker) IdleConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.idle)
}

// Waiting counts the demands not served yet
func (b *Broker) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.demands)
}

// pumpLocked serves the demands in order, and starts new connections when needed
func (b *Broker) pumpLocked() {
	blocked := make(map[string]bool)
	connBlocked := false
	waitingConn := 0
	pending := make([]*demand, 0, len(b.demands))

	for _, d := range b.demands {
		free := b.foldersFreeLocked(d.folders, blocked)
		needsConn := d.options.NeedsConnection
		if !free || (needsConn && (connBlocked || len(b.idle) == 0)) {
			for _, folderID := range d.folders {
				blocked[folderID] = true
			}
			if free && needsConn {
				connBlocked = true
				waitingConn++
			}
			pending = append(pending, d)
			continue
		}
		lease := &Lease{
			broker:  b,
			folders: d.folders,
			label:   d.options.Label,
		}
		if needsConn {
			// most recently used first
			lease.conn = b.idle[len(b.idle)-1]
			b.idle = b.idle[:len(b.idle)-1]
		}
		for _, folderID := range d.folders {
			b.held[folderID] = d.options.Label
		}
		b.log.Printf("demand %q granted", d.options.Label)
		d.result <- grant{lease: lease}
	}
	b.demands = pending

	for b.dialing < waitingConn && b.open+b.dialing < b.max && !b.closed {
		b.dialing++
		b.wg.Add(1)
		go b.dial()
	}
	metricDemands.WithLabelValues(b.accountID).Set(float64(len(b.demands)))
}

func (b *Broker) foldersFreeLocked(folders []string, blocked map[string]bool) bool {
	for _, folderID := range folders {
		if _, ok := b.held[folderID]; ok {
			return false
		}
		if blocked[folderID] {
			return false
		}
	}
	return true
}

func (b *Broker) dial() {
	defer b.wg.Done()

	err := b.backoff.ScheduleConnectAttempt(b.ctx)
	var conn storage.Connection
	if err == nil {
		b.log.Print("opening new connection")
		conn, err = b.dialer.Dial(b.ctx)
	}

	b.mu.Lock()
	b.dialing--
	if err != nil {
		metricConnect.WithLabelValues(b.accountID, "error").Inc()
		retry := b.backoff.NoteConnectFailureMaybeRetry(err)
		b.log.Printf("cannot connect (retry=%v): %s", retry, err)
		b.failDemandsLocked(err, retry)
		if !b.closed {
			b.pumpLocked()
		}
		b.mu.Unlock()
		return
	}
	metricConnect.WithLabelValues(b.accountID, "success").Inc()
	b.backoff.NoteConnectSuccess()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.open++
	metricConnections.WithLabelValues(b.accountID).Set(float64(b.open))
	b.idle = append(b.idle, conn)
	b.pumpLocked()
	toClose := b.closeIdleLocked(false)
	b.mu.Unlock()

	b.closeAll(toClose)
}

// failDemandsLocked fails the demands waiting for a connection that asked to,
// or all of them when no other attempt will be made
func (b *Broker) failDemandsLocked(err error, retry bool) {
	err = fmt.Errorf("cannot connect to server: %w", err)
	pending := make([]*demand, 0, len(b.demands))
	for _, d := range b.demands {
		if d.options.NeedsConnection && (d.options.DieOnConnectFailure || !retry) {
			d.result <- grant{err: err}
			continue
		}
		pending = append(pending, d)
	}
	b.demands = pending
}

func (b *Broker) removeDemandLocked(d *demand) bool {
	for i, waiting := range b.demands {
		if waiting == d {
			b.demands = append(b.demands[:i], b.demands[i+1:]...)
			return true
		}
	}
	return false
}

// closeIdleLocked returns the idle connections to close when nothing needs them
func (b *Broker) closeIdleLocked(force bool) []storage.Connection {
	if len(b.idle) == 0 {
		return nil
	}
	if !b.closed {
		if len(b.demands) > 0 {
			return nil
		}
		if !force && b.busy != nil && b.busy() {
			return nil
		}
	}
	toClose := b.idle
	b.idle = nil
	b.open -= len(toClose)
	metricConnections.WithLabelValues(b.accountID).Set(float64(b.open))
	return toClose
}

func (b *Broker) release(lease *Lease, broken bool) {
	var toClose []storage.Connection

	b.mu.Lock()
	for _, folderID := range lease.folders {
		delete(b.held, folderID)
	}
	if lease.conn != nil {
		if broken || b.closed {
			b.open--
			metricConnections.WithLabelValues(b.accountID).Set(float64(b.open))
			toClose = append(toClose, lease.conn)
		} else {
			b.idle = append(b.idle, lease.conn)
		}
	}
	b.log.Printf("demand %q released (broken=%v)", lease.label, broken)
	if !b.closed {
		b.pumpLocked()
	}
	toClose = append(toClose, b.closeIdleLocked(false)...)
	b.mu.Unlock()

	b.closeAll(toClose)
}

func (b *Broker) closeAll(connections []storage.Connection) {
	for _, conn := range connections {
		if err := conn.Close(); err != nil {
			b.log.Printf("error closing connection: %s", err)
		}
	}
}

// Lease is a granted demand
type Lease struct {
	broker  *Broker
	folders []string
	conn    storage.Connection
	label   string
	once    sync.Once
}

// Conn is nil when the demand didn't need a connection
func (l *Lease) Conn() storage.Connection {
	return l.conn
}

func (l *Lease) Folders() []string {
	return l.folders
}

// Release gives the folders and the connection back to the broker
func (l *Lease) Release() {
	l.once.Do(func() {
		l.broker.release(l, false)
	})
}

// Discard releases the folders and closes the connection, which must not be used again
func (l *Lease) Discard() {
	l.once.Do(func() {
		l.broker.release(l, true)
	})
}

// SortFolders returns the folder IDs without duplicates, in the global locking order:
// numeric IDs ascending first, then the others alphabetically
func SortFolders(folderIDs []string) []string {
	unique := make([]string, 0, len(folderIDs))
	seen := make(map[string]bool, len(folderIDs))
	for _, folderID := range folderIDs {
		if folderID == "" || seen[folderID] {
			continue
		}
		seen[folderID] = true
		unique = append(unique, folderID)
	}
	sort.Slice(unique, func(i, j int) bool {
		a, errA := strconv.ParseUint(unique[i], 10, 64)
		b, errB := strconv.ParseUint(unique[j], 10, 64)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return strings.Compare(unique[i], unique[j]) < 0
	})
	return unique
}
