package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
)

type modTags struct{}

func (h *modTags) payload(op *job.Operation) (*job.ModTags, error) {
	payload, ok := op.Payload.(*job.ModTags)
	if !ok {
		return nil, fmt.Errorf("%w: expected modtags payload, found %T", ErrUnsupported, op.Payload)
	}
	return payload, nil
}

func (h *modTags) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	payload.Added = make(map[mailbox.SUID][]string)
	payload.Removed = make(map[mailbox.SUID][]string)

	for _, suid := range payload.Messages {
		header, err := tx.Header(acct.ID, suid)
		if errors.Is(err, lib.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		changed := false
		for _, tag := range payload.AddTags {
			var added bool
			header.Flags, added = lib.AddFlag(header.Flags, tag)
			if added {
				payload.Added[suid] = append(payload.Added[suid], tag)
				changed = true
			}
		}
		for _, tag := range payload.RemoveTags {
			var removed bool
			header.Flags, removed = lib.RemoveFlag(header.Flags, tag)
			if removed {
				payload.Removed[suid] = append(payload.Removed[suid], tag)
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := tx.PutHeader(header); err != nil {
			return err
		}
	}
	return nil
}

func (h *modTags) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	for _, suid := range payload.Messages {
		added, removed := payload.Added[suid], payload.Removed[suid]
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		header, err := tx.Header(acct.ID, suid)
		if errors.Is(err, lib.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for _, tag := range added {
			header.Flags, _ = lib.RemoveFlag(header.Flags, tag)
		}
		for _, tag := range removed {
			header.Flags, _ = lib.AddFlag(header.Flags, tag)
		}
		if err := tx.PutHeader(header); err != nil {
			return err
		}
	}
	return nil
}

// Do sets the flags on the server. It's sent for every message, whether the local phase changed it or not.
func (h *modTags) Do(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	changes := make(map[mailbox.SUID]tagChange, len(payload.Messages))
	for _, suid := range payload.Messages {
		changes[suid] = tagChange{
			add:    lib.StripRecentFlag(payload.AddTags),
			remove: lib.StripRecentFlag(payload.RemoveTags),
		}
	}
	return h.store(ctx, run, changes)
}

// Undo only reverts what the local phase really changed
func (h *modTags) Undo(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	changes := make(map[mailbox.SUID]tagChange, len(payload.Messages))
	for _, suid := range payload.Messages {
		added, removed := payload.Added[suid], payload.Removed[suid]
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		changes[suid] = tagChange{
			add:    lib.StripRecentFlag(removed),
			remove: lib.StripRecentFlag(added),
		}
	}
	if len(changes) == 0 {
		return job.Result{}, nil
	}
	return h.store(ctx, run, changes)
}

// Check: setting flags is idempotent
func (h *modTags) Check(ctx context.Context, run *Run) (job.CheckResult, error) {
	return job.CheckIdempotent, nil
}

type tagChange struct {
	add    []string
	remove []string
}

type tagTarget struct {
	uid    uint32
	change tagChange
}

func (h *modTags) store(ctx context.Context, run *Run, changes map[mailbox.SUID]tagChange) (job.Result, error) {
	byFolder := make(map[string][]tagTarget)
	paths := make(map[string]string)
	err := run.View(func(tx storage.Tx) error {
		for suid, change := range changes {
			uid := run.ServerID(tx, suid, 0)
			if uid == 0 {
				run.log.Printf("no server identifier for message %q: skipped", suid)
				continue
			}
			folderID := suid.FolderID()
			if _, ok := paths[folderID]; !ok {
				folder, err := tx.Folder(run.Account.ID, folderID)
				if errors.Is(err, lib.ErrFolderNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				paths[folderID] = folder.Path
			}
			byFolder[folderID] = append(byFolder[folderID], tagTarget{uid: uid, change: change})
		}
		return nil
	})
	if err != nil {
		return job.Result{}, err
	}
	if len(byFolder) == 0 {
		return job.Result{}, fmt.Errorf("%w: no message left to flag on the server", job.ErrMoot)
	}

	folderIDs := make([]string, 0, len(byFolder))
	for folderID := range byFolder {
		folderIDs = append(folderIDs, folderID)
	}
	lease, err := run.Acquire(ctx, folderIDs, true)
	if err != nil {
		return job.Result{}, err
	}
	conn := lease.Conn()
	for _, folderID := range lease.Folders() {
		// messages sharing the same change are sent together
		groups := make(map[string][]uint32)
		groupChange := make(map[string]tagChange)
		for _, target := range byFolder[folderID] {
			key := fmt.Sprintf("%v|%v", target.change.add, target.change.remove)
			groups[key] = append(groups[key], target.uid)
			groupChange[key] = target.change
		}
		for key, uids := range groups {
			change := groupChange[key]
			err = conn.StoreFlags(paths[folderID], uids, change.add, change.remove)
			if err != nil {
				return job.Result{}, err
			}
		}
	}
	return job.Result{}, nil
}
