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

type appendMessages struct{}

func (h *appendMessages) payload(op *job.Operation) (*job.Append, error) {
	payload, ok := op.Payload.(*job.Append)
	if !ok {
		return nil, fmt.Errorf("%w: expected append payload, found %T", ErrUnsupported, op.Payload)
	}
	payload.Init()
	return payload, nil
}

// LocalDo saves the new messages in the local store. Their body leaves the payload.
func (h *appendMessages) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	if _, err := tx.Folder(acct.ID, payload.FolderID); err != nil {
		if errors.Is(err, lib.ErrFolderNotFound) {
			return fmt.Errorf("%w: folder %q", job.ErrMoot, payload.FolderID)
		}
		return err
	}
	for i := range payload.Messages {
		item := &payload.Messages[i]
		if item.Body == nil {
			continue
		}
		if item.SUID.IsZero() {
			id, err := tx.NextMessageID(acct.ID, payload.FolderID)
			if err != nil {
				return err
			}
			item.SUID = mailbox.NewSUID(payload.FolderID, id)
		}
		var body []byte
		body, item.MessageID = lib.EnsureMessageID(item.Body, acct.Domain)
		envelope, err := lib.ParseEnvelope(body)
		if err != nil {
			acct.logger().Printf("message %q: %s", item.SUID, err)
			envelope = &lib.Envelope{}
		}
		date := item.Date
		if date.IsZero() {
			date = envelope.Date
		}
		header := &mailbox.Header{
			SUID:      item.SUID,
			AccountID: acct.ID,
			FolderID:  payload.FolderID,
			ServerID:  payload.ServerIDMap[item.SUID],
			MessageID: item.MessageID,
			Subject:   envelope.Subject,
			From:      envelope.From,
			Date:      date,
			Flags:     lib.SortFlags(item.Flags),
			Size:      uint32(len(body)),
			HasBody:   true,
		}
		if err := tx.PutHeader(header); err != nil {
			return err
		}
		if err := tx.PutBody(acct.ID, item.SUID, body); err != nil {
			return err
		}
		item.Body = nil
	}
	return nil
}

// LocalUndo takes the messages out of the local store, and keeps their body in the payload
func (h *appendMessages) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	for i := range payload.Messages {
		item := &payload.Messages[i]
		if item.SUID.IsZero() || item.Body != nil {
			continue
		}
		header, err := tx.Header(acct.ID, item.SUID)
		if errors.Is(err, lib.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		body, err := tx.Body(acct.ID, item.SUID)
		if err != nil {
			return fmt.Errorf("message %q: %w", item.SUID, err)
		}
		item.Body = body
		item.Flags = header.Flags
		if err := tx.DeleteHeader(acct.ID, item.SUID); err != nil {
			return err
		}
		if err := tx.DeleteBody(acct.ID, item.SUID); err != nil {
			return err
		}
	}
	return nil
}

type appendUpload struct {
	suid      mailbox.SUID
	messageID string
	message   storage.AppendMessage
}

func (h *appendMessages) Do(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	var (
		path    string
		uploads []appendUpload
	)
	err = run.View(func(tx storage.Tx) error {
		paths, err := folderPaths(tx, run.Account.ID, payload.FolderID)
		if err != nil {
			return err
		}
		path = paths[payload.FolderID]
		for _, item := range payload.Messages {
			// the account state can still hold the identifier of an upload reverted by an undo
			if item.SUID.IsZero() || payload.ServerIDMap[item.SUID] != 0 {
				continue
			}
			header, err := tx.Header(run.Account.ID, item.SUID)
			if errors.Is(err, lib.ErrMessageNotFound) {
				run.log.Printf("message %q is gone", item.SUID)
				continue
			}
			if err != nil {
				return err
			}
			body, err := tx.Body(run.Account.ID, item.SUID)
			if err != nil {
				return fmt.Errorf("message %q: %w", item.SUID, err)
			}
			uploads = append(uploads, appendUpload{
				suid:      item.SUID,
				messageID: item.MessageID,
				message: storage.AppendMessage{
					Flags: lib.StripRecentFlag(header.Flags),
					Date:  header.Date,
					Body:  body,
				},
			})
		}
		return nil
	})
	if err != nil {
		return job.Result{}, err
	}
	if len(uploads) == 0 {
		return job.Result{}, nil
	}

	lease, err := run.Acquire(ctx, []string{payload.FolderID}, true)
	if err != nil {
		return job.Result{}, err
	}
	conn := lease.Conn()
	uids, err := h.upload(conn, path, uploads)
	if err != nil {
		return job.Result{}, err
	}
	found := make(map[mailbox.SUID]uint32, len(uploads))
	claimed := make(map[uint32]bool, len(uploads))
	for i, upload := range uploads {
		uid := uids[i]
		if uid == 0 && upload.messageID != "" {
			matches, err := conn.SearchMessageID(path, upload.messageID)
			if err != nil {
				return job.Result{}, err
			}
			uid = highestUnclaimed(matches, claimed)
		}
		if uid == 0 {
			continue
		}
		claimed[uid] = true
		payload.ServerIDMap[upload.suid] = uid
		found[upload.suid] = uid
	}
	run.SetServerIDs(found)
	return job.Result{Value: found, SaveSuggested: true}, nil
}

// upload sends all the messages with a single command when the connection can
func (h *appendMessages) upload(conn storage.Connection, path string, uploads []appendUpload) ([]uint32, error) {
	messages := make([]storage.AppendMessage, len(uploads))
	for i, upload := range uploads {
		messages[i] = upload.message
	}
	if bulk, ok := conn.(storage.BulkAppender); ok && len(messages) > 1 {
		return bulk.AppendMessages(path, messages)
	}
	uids := make([]uint32, len(messages))
	for i, message := range messages {
		uid, err := conn.AppendMessage(path, message)
		if err != nil {
			return nil, err
		}
		uids[i] = uid
	}
	return uids, nil
}

func (h *appendMessages) Check(ctx context.Context, run *Run) (job.CheckResult, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.CheckBailed, err
	}
	var path string
	err = run.View(func(tx storage.Tx) error {
		paths, err := folderPaths(tx, run.Account.ID, payload.FolderID)
		path = paths[payload.FolderID]
		return err
	})
	if err != nil {
		return job.CheckBailed, err
	}
	lease, err := run.Acquire(ctx, []string{payload.FolderID}, true)
	if err != nil {
		return job.CheckBailed, err
	}
	conn := lease.Conn()

	evidences := make([]evidence, 0, len(payload.Messages))
	found := make(map[mailbox.SUID]uint32)
	claimed := make(map[uint32]bool)
	for _, item := range payload.Messages {
		if item.SUID.IsZero() {
			continue
		}
		matches, err := locate(conn, path, item.MessageID, run.ServerID(nil, item.SUID, payload.ServerIDMap[item.SUID]))
		if err != nil {
			return job.CheckBailed, err
		}
		uid := highestUnclaimed(matches, claimed)
		if uid == 0 {
			delete(payload.ServerIDMap, item.SUID)
			evidences = append(evidences, evidenceNotDone)
			continue
		}
		claimed[uid] = true
		payload.ServerIDMap[item.SUID] = uid
		found[item.SUID] = uid
		evidences = append(evidences, evidenceDone)
	}
	run.SetServerIDs(found)
	return aggregate(run.Op.Desire, evidences), nil
}

func (h *appendMessages) Undo(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	uids := make([]uint32, 0, len(payload.Messages))
	for _, item := range payload.Messages {
		if uid := run.ServerID(nil, item.SUID, payload.ServerIDMap[item.SUID]); uid != 0 {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return job.Result{}, nil
	}
	var path string
	err = run.View(func(tx storage.Tx) error {
		paths, err := folderPaths(tx, run.Account.ID, payload.FolderID)
		path = paths[payload.FolderID]
		return err
	})
	if err != nil {
		return job.Result{}, err
	}
	lease, err := run.Acquire(ctx, []string{payload.FolderID}, true)
	if err != nil {
		return job.Result{}, err
	}
	if err := lease.Conn().DeleteMessages(path, uids); err != nil {
		return job.Result{}, err
	}
	for _, item := range payload.Messages {
		delete(payload.ServerIDMap, item.SUID)
	}
	return job.Result{SaveSuggested: true}, nil
}
