package universe

import (
	"sync/atomic"
	"time"

	"github.com/creativeprojects/offmail/broker"
	"github.com/creativeprojects/offmail/driver"
	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
)

// AccountConfig describes an account handled by the universe
type AccountConfig struct {
	ID             string
	Dialer         storage.Dialer
	MaxConnections int
	Backoff        *broker.Backoff
	// Outbox and Sender are only needed to send messages
	Outbox storage.Outbox
	Sender storage.Sender
	From   string
	// Server paths of the essential folders, when they're not detected from the folder attributes
	TrashPath string
	SentPath  string
	// Domain of the generated Message-ID headers
	Domain string
	// Disabled accounts keep their operations queued, but nothing is sent to the server
	Disabled bool
}

type deferredOp struct {
	longtermID string
	readyAt    time.Time
}

// account is the runtime state of an account. Everything but busy is guarded by the universe lock.
type account struct {
	id        string
	acct      *driver.Account
	broker    *broker.Broker
	queue     *job.Queue
	record    *job.AccountRecord
	enabled   bool
	running   string
	deferred  []deferredOp
	waiters   []chan struct{}
	callbacks map[string][]func(job.Completion)
	// busy is read by the broker, which cannot take the universe lock
	busy atomic.Bool
}

// idle is true when nothing is queued, deferred or running
func (a *account) idle() bool {
	return a.running == "" && a.queue.Len() == 0 && len(a.deferred) == 0
}

func (a *account) updateGauges() {
	a.busy.Store(!a.idle())
	metricQueued.WithLabelValues(a.id).Set(float64(a.queue.Len()))
	metricDeferred.WithLabelValues(a.id).Set(float64(len(a.deferred)))
}

func (a *account) isDeferred(longtermID string) bool {
	for _, entry := range a.deferred {
		if entry.longtermID == longtermID {
			return true
		}
	}
	return false
}

func (a *account) removeDeferred(longtermID string) {
	kept := make([]deferredOp, 0, len(a.deferred))
	for _, entry := range a.deferred {
		if entry.longtermID != longtermID {
			kept = append(kept, entry)
		}
	}
	a.deferred = kept
}

// save writes the account record in the transaction
func (a *account) save(tx storage.Tx) error {
	a.queue.Fill(a.record)
	data, err := lib.SerializeObject(a.record)
	if err != nil {
		return err
	}
	return tx.PutAccountState(a.id, data)
}

type snapshot struct {
	record   *job.AccountRecord
	deferred []deferredOp
}

func (a *account) snapshot() (*snapshot, error) {
	a.queue.Fill(a.record)
	record, err := lib.DeepCopy(a.record)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		record:   record,
		deferred: append([]deferredOp(nil), a.deferred...),
	}, nil
}

// restore goes back to the snapshot, after a transaction failed
func (a *account) restore(s *snapshot, historyLimit int) {
	a.queue = job.RestoreQueue(historyLimit, s.record)
	a.deferred = s.deferred
	for _, entry := range a.deferred {
		a.queue.Remove(entry.longtermID)
	}
	a.record = s.record
	a.updateGauges()
}

// loadRecord reads the persisted record of the account, or returns an empty one
func loadRecord(tx storage.Tx, accountID string) (*job.AccountRecord, error) {
	data, err := tx.AccountState(accountID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &job.AccountRecord{}, nil
	}
	return lib.DeserializeObject[job.AccountRecord](data)
}
