package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/creativeprojects/offmail/broker"
	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
)

// Run is the context of a single online phase
type Run struct {
	Account *Account
	Op      *job.Operation
	Mode    job.Mode
	// Delta collects the server identifiers discovered during the phase.
	// It's only merged into the account state when the phase succeeds.
	Delta  *job.MutationStateDelta
	state  job.MutationState
	leases []*broker.Lease
	log    lib.Logger
}

// Acquire locks the folders and gets a connection to the server.
// Everything acquired is released when the phase ends.
func (r *Run) Acquire(ctx context.Context, folderIDs []string, needsConnection bool) (*broker.Lease, error) {
	if r.Account.Broker == nil {
		return nil, fmt.Errorf("%w: no broker for account %q", lib.ErrConnectionLost, r.Account.ID)
	}
	lease, err := r.Account.Broker.Acquire(ctx, folderIDs, broker.Options{
		NeedsConnection:     needsConnection,
		DieOnConnectFailure: true,
		Label:               fmt.Sprintf("%s %s %s", r.Op.LongtermID, r.Op.Type(), r.Mode),
	})
	if err != nil {
		return nil, err
	}
	r.leases = append(r.leases, lease)
	return lease, nil
}

// postJobCleanup releases everything acquired during the phase, last acquired first
func (r *Run) postJobCleanup(err error) {
	broken := brokenConnection(err)
	for i := len(r.leases) - 1; i >= 0; i-- {
		if broken && r.leases[i].Conn() != nil {
			r.leases[i].Discard()
			continue
		}
		r.leases[i].Release()
	}
	r.leases = nil
}

// ServerID finds the server identifier of a message: from what this phase discovered,
// then from the account state, then from what the operation recorded, and finally from the header.
// It returns zero when the identifier is not known.
func (r *Run) ServerID(tx storage.Tx, suid mailbox.SUID, recorded uint32) uint32 {
	if id := r.Delta.SUIDToServerID[suid]; id != 0 {
		return id
	}
	if id, ok := r.state.ServerID(suid); ok && id != 0 {
		return id
	}
	if recorded != 0 {
		return recorded
	}
	if tx == nil {
		return 0
	}
	header, err := tx.Header(r.Account.ID, suid)
	if err != nil {
		return 0
	}
	return header.ServerID
}

// SetServerID records the server identifier of a message in the delta and in the local header, if any
func (r *Run) SetServerID(suid mailbox.SUID, id uint32) {
	r.SetServerIDs(map[mailbox.SUID]uint32{suid: id})
}

func (r *Run) SetServerIDs(ids map[mailbox.SUID]uint32) {
	if len(ids) == 0 {
		return
	}
	for suid, id := range ids {
		if id != 0 {
			r.Delta.SetServerID(suid, id)
		}
	}
	err := r.Account.Store.Update(func(tx storage.Tx) error {
		for suid, id := range ids {
			if id == 0 {
				continue
			}
			header, err := tx.Header(r.Account.ID, suid)
			if errors.Is(err, lib.ErrMessageNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if header.ServerID == id {
				continue
			}
			header.ServerID = id
			if err := tx.PutHeader(header); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Printf("cannot save server identifiers: %s", err)
	}
}

// View runs fn in a read only transaction of the local store
func (r *Run) View(fn func(tx storage.Tx) error) error {
	return r.Account.Store.View(fn)
}

// folderPaths loads the server path of each folder
func folderPaths(tx storage.Tx, accountID string, folderIDs ...string) (map[string]string, error) {
	paths := make(map[string]string, len(folderIDs))
	for _, folderID := range folderIDs {
		if _, ok := paths[folderID]; ok {
			continue
		}
		folder, err := tx.Folder(accountID, folderID)
		if err != nil {
			return nil, fmt.Errorf("folder %q: %w", folderID, err)
		}
		paths[folderID] = folder.Path
	}
	return paths, nil
}

// highestUnclaimed returns the highest UID not already claimed, or zero
func highestUnclaimed(uids []uint32, claimed map[uint32]bool) uint32 {
	var found uint32
	for _, uid := range uids {
		if uid > found && !claimed[uid] {
			found = uid
		}
	}
	return found
}

func containsUID(uids []uint32, uid uint32) bool {
	for _, value := range uids {
		if value == uid {
			return true
		}
	}
	return false
}

// sortedKeys returns the folder IDs of the map in locking order
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return broker.SortFolders(keys)
}
