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

// deleteMessages moves the messages to the trash. Messages already in the trash are purged.
type deleteMessages struct{}

func (h *deleteMessages) payload(op *job.Operation) (*job.Delete, error) {
	payload, ok := op.Payload.(*job.Delete)
	if !ok {
		return nil, fmt.Errorf("%w: expected delete payload, found %T", ErrUnsupported, op.Payload)
	}
	payload.Init()
	return payload, nil
}

// trashFolder finds the trash folder of the account. It returns job.ErrDefer when the folder
// doesn't exist yet: a createFolder operation is expected to bring it.
func trashFolder(acct *Account, tx storage.Tx) (*mailbox.Folder, error) {
	return essentialFolder(acct, tx, mailbox.FolderTrash, acct.TrashPath)
}

func essentialFolder(acct *Account, tx storage.Tx, folderType mailbox.FolderType, path string) (*mailbox.Folder, error) {
	folder, err := tx.FolderByType(acct.ID, folderType)
	if err == nil {
		return folder, nil
	}
	if !errors.Is(err, lib.ErrFolderNotFound) {
		return nil, err
	}
	if path != "" {
		folder, err = tx.FolderByPath(acct.ID, path)
		if err == nil {
			return folder, nil
		}
		if !errors.Is(err, lib.ErrFolderNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no %s folder", job.ErrDefer, folderType)
}

func (h *deleteMessages) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	if payload.TargetFolder != "" {
		if _, err := tx.Folder(acct.ID, payload.TargetFolder); errors.Is(err, lib.ErrFolderNotFound) {
			payload.TargetFolder = ""
		}
	}
	if payload.TargetFolder == "" {
		trash, err := trashFolder(acct, tx)
		if err != nil {
			return err
		}
		payload.TargetFolder = trash.ID
	}

	for _, suid := range payload.Messages {
		if suid.FolderID() != payload.TargetFolder {
			continue
		}
		header, err := tx.Header(acct.ID, suid)
		if errors.Is(err, lib.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		body, err := tx.Body(acct.ID, suid)
		if err != nil && !errors.Is(err, lib.ErrBodyNotFound) {
			return err
		}
		payload.Purged[suid] = job.PurgedMessage{
			Header: *header,
			Body:   body,
		}
		if err := tx.DeleteHeader(acct.ID, suid); err != nil {
			return err
		}
		if body != nil {
			if err := tx.DeleteBody(acct.ID, suid); err != nil {
				return err
			}
		}
	}
	return moveTransfer(&payload.Move).localDo(acct, tx)
}

func (h *deleteMessages) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	if err := moveTransfer(&payload.Move).localUndo(acct, tx); err != nil {
		return err
	}
	for suid, purged := range payload.Purged {
		if _, err := tx.Folder(acct.ID, purged.Header.FolderID); errors.Is(err, lib.ErrFolderNotFound) {
			continue
		}
		header := purged.Header
		if purged.Restored != 0 {
			header.ServerID = purged.Restored
		}
		if err := tx.PutHeader(&header); err != nil {
			return err
		}
		if purged.Body != nil {
			if err := tx.PutBody(acct.ID, suid, purged.Body); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *deleteMessages) Do(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	t := moveTransfer(&payload.Move)
	err = runTransfer(ctx, run, t, nil, func(conn storage.Connection, paths map[string]string) error {
		if err := t.do(run, conn, paths); err != nil {
			return err
		}
		return h.purge(run, conn, paths[payload.TargetFolder], payload)
	})
	return job.Result{SaveSuggested: true}, err
}

func (h *deleteMessages) purge(run *Run, conn storage.Connection, trashPath string, payload *job.Delete) error {
	uids := make([]uint32, 0, len(payload.Purged))
	purged := make([]mailbox.SUID, 0, len(payload.Purged))
	for suid, message := range payload.Purged {
		if message.Expunged {
			continue
		}
		uid := run.ServerID(nil, suid, message.Header.ServerID)
		if uid == 0 && message.Header.MessageID != "" {
			found, err := conn.SearchMessageID(trashPath, message.Header.MessageID)
			if err != nil {
				return err
			}
			uid = highestUnclaimed(found, nil)
		}
		purged = append(purged, suid)
		if uid == 0 {
			run.log.Printf("message %q not found in the trash", suid)
			continue
		}
		uids = append(uids, uid)
	}
	if len(uids) > 0 {
		if err := conn.DeleteMessages(trashPath, uids); err != nil {
			return err
		}
	}
	for _, suid := range purged {
		message := payload.Purged[suid]
		message.Expunged = true
		message.Restored = 0
		payload.Purged[suid] = message
	}
	return nil
}

func (h *deleteMessages) Check(ctx context.Context, run *Run) (job.CheckResult, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.CheckBailed, err
	}
	t := moveTransfer(&payload.Move)
	var evidences []evidence
	err = runTransfer(ctx, run, t, nil, func(conn storage.Connection, paths map[string]string) error {
		evidences, err = t.check(run, conn, paths)
		if err != nil {
			return err
		}
		trashPath := paths[payload.TargetFolder]
		for suid, message := range payload.Purged {
			uid := message.Header.ServerID
			if message.Restored != 0 {
				uid = message.Restored
			}
			found, err := locate(conn, trashPath, message.Header.MessageID, uid)
			if err != nil {
				return err
			}
			switch {
			case len(found) > 0:
				message.Expunged = false
				evidences = append(evidences, evidenceNotDone)
			case message.Restored != 0:
				evidences = append(evidences, evidenceGone)
			default:
				message.Expunged = true
				evidences = append(evidences, evidenceDone)
			}
			payload.Purged[suid] = message
		}
		return nil
	})
	if err != nil {
		return job.CheckBailed, err
	}
	return aggregate(run.Op.Desire, evidences), nil
}

func (h *deleteMessages) Undo(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	t := moveTransfer(&payload.Move)
	if len(t.completed) == 0 && !hasExpunged(payload) {
		return job.Result{}, nil
	}
	err = runTransfer(ctx, run, t, nil, func(conn storage.Connection, paths map[string]string) error {
		if err := t.undo(run, conn, paths); err != nil {
			return err
		}
		return h.restore(run, conn, paths[payload.TargetFolder], payload)
	})
	return job.Result{SaveSuggested: true}, err
}

// restore uploads the purged messages back into the trash
func (h *deleteMessages) restore(run *Run, conn storage.Connection, trashPath string, payload *job.Delete) error {
	restored := make(map[mailbox.SUID]uint32)
	defer run.SetServerIDs(restored)

	claimed := make(map[uint32]bool)
	for suid, message := range payload.Purged {
		if !message.Expunged || message.Restored != 0 {
			continue
		}
		if message.Body == nil {
			run.log.Printf("cannot restore message %q: body was never downloaded", suid)
			continue
		}
		uid, err := conn.AppendMessage(trashPath, storage.AppendMessage{
			Flags: lib.StripRecentFlag(message.Header.Flags),
			Date:  message.Header.Date,
			Body:  message.Body,
		})
		if err != nil {
			return err
		}
		if uid == 0 && message.Header.MessageID != "" {
			found, err := conn.SearchMessageID(trashPath, message.Header.MessageID)
			if err != nil {
				return err
			}
			uid = highestUnclaimed(found, claimed)
		}
		claimed[uid] = true
		message.Expunged = false
		message.Restored = uid
		payload.Purged[suid] = message
		restored[suid] = uid
	}
	return nil
}

func hasExpunged(payload *job.Delete) bool {
	for _, message := range payload.Purged {
		if message.Expunged {
			return true
		}
	}
	return false
}
