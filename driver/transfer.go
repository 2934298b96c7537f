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

// transfer is the part shared by move, copy and delete: messages copied to a target folder,
// then removed from their source folder unless keepSource is set.
type transfer struct {
	messages   []mailbox.SUID
	target     string
	newSUID    map[mailbox.SUID]mailbox.SUID
	originals  map[mailbox.SUID]job.MessageRef
	serverIDs  map[mailbox.SUID]uint32
	completed  map[mailbox.SUID]bool
	keepSource bool
}

func moveTransfer(p *job.Move) *transfer {
	p.Init()
	return &transfer{
		messages:  p.Messages,
		target:    p.TargetFolder,
		newSUID:   p.MoveMap,
		originals: p.Originals,
		serverIDs: p.ServerIDMap,
		completed: p.Completed,
	}
}

func copyTransfer(p *job.Copy) *transfer {
	p.Init()
	return &transfer{
		messages:   p.Messages,
		target:     p.TargetFolder,
		newSUID:    p.CopyMap,
		originals:  p.Originals,
		serverIDs:  p.ServerIDMap,
		completed:  p.Completed,
		keepSource: true,
	}
}

// localDo moves (or copies) the local records to the target folder.
// The new local identifiers are allocated once, and kept if the local phase runs again after an undo.
func (t *transfer) localDo(acct *Account, tx storage.Tx) error {
	if _, err := tx.Folder(acct.ID, t.target); err != nil {
		if errors.Is(err, lib.ErrFolderNotFound) {
			return fmt.Errorf("%w: target folder %q", job.ErrMoot, t.target)
		}
		return err
	}
	for _, src := range t.messages {
		if src.FolderID() == t.target {
			continue
		}
		header, err := tx.Header(acct.ID, src)
		if errors.Is(err, lib.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		dst, ok := t.newSUID[src]
		if !ok {
			id, err := tx.NextMessageID(acct.ID, t.target)
			if err != nil {
				return err
			}
			dst = mailbox.NewSUID(t.target, id)
			t.newSUID[src] = dst
		}
		t.originals[src] = job.MessageRef{
			FolderID:  header.FolderID,
			ServerID:  header.ServerID,
			MessageID: header.MessageID,
		}
		body, err := tx.Body(acct.ID, src)
		if err != nil && !errors.Is(err, lib.ErrBodyNotFound) {
			return err
		}
		if !t.keepSource {
			if err := tx.DeleteHeader(acct.ID, src); err != nil {
				return err
			}
			if body != nil {
				if err := tx.DeleteBody(acct.ID, src); err != nil {
					return err
				}
			}
		}
		moved := *header
		moved.SUID = dst
		moved.FolderID = t.target
		moved.ServerID = t.serverIDs[dst]
		if err := tx.PutHeader(&moved); err != nil {
			return err
		}
		if body != nil {
			if err := tx.PutBody(acct.ID, dst, body); err != nil {
				return err
			}
		}
	}
	return nil
}

// localUndo puts the local records back where they were
func (t *transfer) localUndo(acct *Account, tx storage.Tx) error {
	for _, src := range t.messages {
		dst, ok := t.newSUID[src]
		if !ok {
			continue
		}
		header, err := tx.Header(acct.ID, dst)
		if errors.Is(err, lib.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		body, err := tx.Body(acct.ID, dst)
		if err != nil && !errors.Is(err, lib.ErrBodyNotFound) {
			return err
		}
		if err := tx.DeleteHeader(acct.ID, dst); err != nil {
			return err
		}
		if body != nil {
			if err := tx.DeleteBody(acct.ID, dst); err != nil {
				return err
			}
		}
		if t.keepSource {
			continue
		}
		original := t.originals[src]
		if _, err := tx.Folder(acct.ID, original.FolderID); errors.Is(err, lib.ErrFolderNotFound) {
			acct.logger().Printf("cannot restore message %q: source folder deleted", src)
			continue
		}
		restored := *header
		restored.SUID = src
		restored.FolderID = original.FolderID
		restored.ServerID = original.ServerID
		if err := tx.PutHeader(&restored); err != nil {
			return err
		}
		if body != nil {
			if err := tx.PutBody(acct.ID, src, body); err != nil {
				return err
			}
		}
	}
	return nil
}

// folders returns the folders to lock: the target first, then the existing source folders
func (t *transfer) folders(tx storage.Tx, accountID string) ([]string, map[string]string, error) {
	folderIDs := []string{t.target}
	for _, src := range t.messages {
		if _, ok := t.newSUID[src]; !ok {
			continue
		}
		folderIDs = append(folderIDs, t.originals[src].FolderID)
	}
	paths := make(map[string]string, len(folderIDs))
	existing := make([]string, 0, len(folderIDs))
	for i, folderID := range folderIDs {
		if _, ok := paths[folderID]; ok || folderID == "" {
			continue
		}
		folder, err := tx.Folder(accountID, folderID)
		if errors.Is(err, lib.ErrFolderNotFound) {
			if i == 0 {
				return nil, nil, fmt.Errorf("%w: target folder %q", job.ErrMoot, folderID)
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		paths[folderID] = folder.Path
		existing = append(existing, folderID)
	}
	return existing, paths, nil
}

type transferItem struct {
	src mailbox.SUID
	dst mailbox.SUID
	uid uint32
}

// itemsBySource resolves the server identifiers of the messages to copy, grouped by source folder.
// Messages without a known server identifier cannot be found on the server: they're marked completed.
func (t *transfer) itemsBySource(run *Run, paths map[string]string) map[string][]transferItem {
	bySource := make(map[string][]transferItem)
	for _, src := range t.messages {
		dst, ok := t.newSUID[src]
		if !ok || t.completed[src] {
			continue
		}
		original := t.originals[src]
		if _, ok := paths[original.FolderID]; !ok {
			run.log.Printf("source folder of message %q is gone", src)
			t.completed[src] = true
			continue
		}
		uid := run.ServerID(nil, src, original.ServerID)
		if uid == 0 {
			run.log.Printf("no server identifier for message %q: skipped", src)
			t.completed[src] = true
			continue
		}
		bySource[original.FolderID] = append(bySource[original.FolderID], transferItem{src: src, dst: dst, uid: uid})
	}
	return bySource
}

// claimedInTarget lists the server identifiers already given to messages of the target folder
func (t *transfer) claimedInTarget() map[uint32]bool {
	claimed := make(map[uint32]bool, len(t.serverIDs))
	for _, uid := range t.serverIDs {
		claimed[uid] = true
	}
	return claimed
}

func (t *transfer) do(run *Run, conn storage.Connection, paths map[string]string) error {
	targetPath := paths[t.target]
	claimed := t.claimedInTarget()
	bySource := t.itemsBySource(run, paths)
	for _, folderID := range sortedKeys(bySource) {
		items := bySource[folderID]
		if folderID == t.target {
			continue
		}
		sourcePath := paths[folderID]
		uids := make([]uint32, len(items))
		for i, item := range items {
			uids[i] = item.uid
		}
		copied, err := conn.CopyMessages(sourcePath, uids, targetPath)
		if err != nil {
			return err
		}
		found := make(map[mailbox.SUID]uint32, len(items))
		for _, item := range items {
			newUID := copied[item.uid]
			if newUID == 0 {
				newUID, err = t.searchTarget(conn, targetPath, t.originals[item.src].MessageID, claimed)
				if err != nil {
					return err
				}
			}
			if newUID == 0 {
				continue
			}
			claimed[newUID] = true
			t.serverIDs[item.dst] = newUID
			found[item.dst] = newUID
		}
		run.SetServerIDs(found)

		if !t.keepSource {
			if err := conn.DeleteMessages(sourcePath, uids); err != nil {
				return err
			}
		}
		for _, item := range items {
			t.completed[item.src] = true
		}
	}
	return nil
}

func (t *transfer) searchTarget(conn storage.Connection, path, messageID string, claimed map[uint32]bool) (uint32, error) {
	if messageID == "" {
		return 0, nil
	}
	uids, err := conn.SearchMessageID(path, messageID)
	if err != nil {
		return 0, err
	}
	return highestUnclaimed(uids, claimed), nil
}

// undo reverts what the online phase did: copies are deleted, and moved messages are moved back
func (t *transfer) undo(run *Run, conn storage.Connection, paths map[string]string) error {
	targetPath := paths[t.target]
	bySource := make(map[string][]transferItem)
	for _, src := range t.messages {
		dst, ok := t.newSUID[src]
		if !ok || !t.completed[src] {
			continue
		}
		uid := run.ServerID(nil, dst, t.serverIDs[dst])
		if uid == 0 {
			uids, err := conn.SearchMessageID(targetPath, t.originals[src].MessageID)
			if err != nil {
				return err
			}
			uid = highestUnclaimed(uids, nil)
		}
		if uid == 0 {
			run.log.Printf("message %q not found in target folder", dst)
			delete(t.completed, src)
			continue
		}
		folderID := t.originals[src].FolderID
		bySource[folderID] = append(bySource[folderID], transferItem{src: src, dst: dst, uid: uid})
	}

	for _, folderID := range sortedKeys(bySource) {
		items := bySource[folderID]
		uids := make([]uint32, len(items))
		for i, item := range items {
			uids[i] = item.uid
		}
		sourcePath, ok := paths[folderID]
		if !t.keepSource && ok {
			copied, err := conn.CopyMessages(targetPath, uids, sourcePath)
			if err != nil {
				return err
			}
			found := make(map[mailbox.SUID]uint32, len(items))
			claimed := make(map[uint32]bool)
			for _, item := range items {
				back := copied[item.uid]
				if back == 0 {
					back, err = t.searchTarget(conn, sourcePath, t.originals[item.src].MessageID, claimed)
					if err != nil {
						return err
					}
				}
				if back != 0 {
					claimed[back] = true
					found[item.src] = back
				}
			}
			run.SetServerIDs(found)
		}
		if err := conn.DeleteMessages(targetPath, uids); err != nil {
			return err
		}
		for _, item := range items {
			delete(t.completed, item.src)
			delete(t.serverIDs, item.dst)
		}
	}
	return nil
}

// evidence of a message on the server, seen by a check
type evidence int

const (
	evidenceGone evidence = iota
	evidenceNotDone
	evidenceDone
)

// check looks for each message on the server, and finishes a half done move in the direction of the desire
func (t *transfer) check(run *Run, conn storage.Connection, paths map[string]string) ([]evidence, error) {
	targetPath := paths[t.target]
	undo := run.Op.Desire == job.DesireUndo
	found := make(map[mailbox.SUID]uint32)
	result := make([]evidence, 0, len(t.messages))

	for _, src := range t.messages {
		dst, ok := t.newSUID[src]
		if !ok {
			continue
		}
		original := t.originals[src]
		sourcePath, sourceExists := paths[original.FolderID]

		inTarget, err := locate(conn, targetPath, original.MessageID, run.ServerID(nil, dst, t.serverIDs[dst]))
		if err != nil {
			return nil, err
		}
		var inSource []uint32
		if sourceExists && !t.keepSource {
			inSource, err = locate(conn, sourcePath, original.MessageID, run.ServerID(nil, src, original.ServerID))
			if err != nil {
				return nil, err
			}
		}

		if t.keepSource {
			if len(inTarget) > 0 {
				uid := highestUnclaimed(inTarget, nil)
				t.completed[src] = true
				t.serverIDs[dst] = uid
				found[dst] = uid
				result = append(result, evidenceDone)
				continue
			}
			delete(t.completed, src)
			result = append(result, evidenceNotDone)
			continue
		}

		if len(inTarget) > 0 && len(inSource) > 0 {
			// the copy went through but not the deletion
			if undo {
				if err := conn.DeleteMessages(targetPath, inTarget); err != nil {
					return nil, err
				}
				inTarget = nil
			} else {
				if err := conn.DeleteMessages(sourcePath, inSource); err != nil {
					return nil, err
				}
				inSource = nil
			}
		}
		switch {
		case len(inTarget) > 0:
			uid := highestUnclaimed(inTarget, nil)
			t.completed[src] = true
			t.serverIDs[dst] = uid
			found[dst] = uid
			result = append(result, evidenceDone)
		case len(inSource) > 0:
			delete(t.completed, src)
			found[src] = highestUnclaimed(inSource, nil)
			result = append(result, evidenceNotDone)
		default:
			t.completed[src] = true
			result = append(result, evidenceGone)
		}
	}
	run.SetServerIDs(found)
	return result, nil
}

// locate finds a message by its Message-ID, or by its server identifier when it has none
func locate(conn storage.Connection, path, messageID string, uid uint32) ([]uint32, error) {
	if messageID != "" {
		return conn.SearchMessageID(path, messageID)
	}
	if uid == 0 {
		return nil, nil
	}
	return conn.SearchUIDs(path, []uint32{uid})
}

// aggregate turns the evidence of each message into the result of a check
func aggregate(desire job.Desire, evidences []evidence) job.CheckResult {
	gone := 0
	done := 0
	for _, e := range evidences {
		switch e {
		case evidenceGone:
			gone++
		case evidenceDone:
			done++
		}
	}
	if gone == len(evidences) {
		return job.CheckMoot
	}
	if desire == job.DesireUndo {
		if done > 0 {
			return job.CheckHappened
		}
		return job.CheckNotYet
	}
	if gone+done < len(evidences) {
		return job.CheckNotYet
	}
	return job.CheckHappened
}

// runTransfer acquires the folders of the transfer and runs fn with the connection
func runTransfer(ctx context.Context, run *Run, t *transfer, extra []string, fn func(conn storage.Connection, paths map[string]string) error) error {
	var (
		folderIDs []string
		paths     map[string]string
	)
	err := run.View(func(tx storage.Tx) error {
		var err error
		folderIDs, paths, err = t.folders(tx, run.Account.ID)
		if err != nil {
			return err
		}
		for _, folderID := range extra {
			if _, ok := paths[folderID]; ok {
				continue
			}
			folder, err := tx.Folder(run.Account.ID, folderID)
			if errors.Is(err, lib.ErrFolderNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			paths[folderID] = folder.Path
			folderIDs = append(folderIDs, folderID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	lease, err := run.Acquire(ctx, folderIDs, true)
	if err != nil {
		return err
	}
	return fn(lease.Conn(), paths)
}
