package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
)

const seenFlag = "\\Seen"

type sendOutbox struct{}

func (h *sendOutbox) payload(op *job.Operation) (*job.SendOutbox, error) {
	payload, ok := op.Payload.(*job.SendOutbox)
	if !ok {
		return nil, fmt.Errorf("%w: expected sendOutboxMessages payload, found %T", ErrUnsupported, op.Payload)
	}
	return payload, nil
}

// LocalDo defers the operation until the sent folder is known, when sent messages are saved
func (h *sendOutbox) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	if !payload.SaveToSent {
		return nil
	}
	_, err = essentialFolder(acct, tx, mailbox.FolderSent, acct.SentPath)
	return err
}

func (h *sendOutbox) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	return nil
}

type sentMessage struct {
	key  string
	body []byte
}

// Do sends the messages of the outbox one by one. The send state of each message is saved in the
// outbox before and after sending: a message found in the sending state when the process starts
// was interrupted by a crash, and is sent again.
func (h *sendOutbox) Do(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	acct := run.Account
	if acct.Outbox == nil || acct.Sender == nil {
		return job.Result{}, fmt.Errorf("%w: no outbox configured for account %q", job.ErrGiveUp, acct.ID)
	}
	if err := acct.recoverOutbox(); err != nil {
		return job.Result{}, err
	}

	var sentFolder *mailbox.Folder
	if payload.SaveToSent {
		err = run.View(func(tx storage.Tx) error {
			sentFolder, err = essentialFolder(acct, tx, mailbox.FolderSent, acct.SentPath)
			return err
		})
		if err != nil {
			return job.Result{}, err
		}
	}

	messages, err := acct.Outbox.List()
	if err != nil {
		return job.Result{}, err
	}
	payload.Sent = nil
	sent := make([]sentMessage, 0, len(messages))
	var retry error
	for _, message := range messages {
		if message.State == storage.SendSending {
			run.log.Printf("outbox message %q is being sent", message.Key)
			continue
		}
		body, err := acct.Outbox.Body(message.Key)
		if err != nil {
			return job.Result{}, err
		}
		if message.State == storage.SendSuccess {
			sent = append(sent, sentMessage{key: message.Key, body: body})
			continue
		}
		if ctx.Err() != nil {
			retry = ctx.Err()
			break
		}
		from := message.From
		if from == "" {
			from = acct.From
		}
		if len(message.To) == 0 {
			_ = acct.Outbox.SetState(message.Key, storage.SendError, "no recipient")
			continue
		}
		if err := acct.Outbox.SetState(message.Key, storage.SendSending, ""); err != nil {
			return job.Result{}, err
		}
		run.log.Printf("sending outbox message %q to %v", message.Key, message.To)
		err = acct.Sender.Send(ctx, from, message.To, body)
		if err != nil {
			run.log.Printf("cannot send outbox message %q: %s", message.Key, err)
			if stateErr := acct.Outbox.SetState(message.Key, storage.SendError, err.Error()); stateErr != nil {
				return job.Result{}, stateErr
			}
			if brokenConnection(err) {
				retry = err
			}
			continue
		}
		if err := acct.Outbox.SetState(message.Key, storage.SendSuccess, ""); err != nil {
			return job.Result{}, err
		}
		sent = append(sent, sentMessage{key: message.Key, body: body})
	}

	if sentFolder != nil && len(sent) > 0 {
		if err := h.saveToSent(ctx, run, sentFolder, sent); err != nil {
			return job.Result{}, err
		}
	}
	for _, message := range sent {
		if err := acct.Outbox.Remove(message.key); err != nil {
			return job.Result{}, err
		}
		payload.Sent = append(payload.Sent, message.key)
	}
	if retry != nil {
		return job.Result{Value: payload.Sent}, fmt.Errorf("%w: %w", job.ErrAbortedRetry, retry)
	}
	return job.Result{Value: payload.Sent}, nil
}

// saveToSent uploads the sent messages to the sent folder, and saves them locally
func (h *sendOutbox) saveToSent(ctx context.Context, run *Run, folder *mailbox.Folder, sent []sentMessage) error {
	lease, err := run.Acquire(ctx, []string{folder.ID}, true)
	if err != nil {
		return err
	}
	conn := lease.Conn()
	now := time.Now()
	uids := make([]uint32, len(sent))
	claimed := make(map[uint32]bool, len(sent))
	for i, message := range sent {
		uid, err := conn.AppendMessage(folder.Path, storage.AppendMessage{
			Flags: []string{seenFlag},
			Date:  now,
			Body:  message.body,
		})
		if err != nil {
			return err
		}
		if uid == 0 {
			if envelope, err := lib.ParseEnvelope(message.body); err == nil && envelope.MessageID != "" {
				found, err := conn.SearchMessageID(folder.Path, envelope.MessageID)
				if err != nil {
					return err
				}
				uid = highestUnclaimed(found, claimed)
			}
		}
		claimed[uid] = true
		uids[i] = uid
	}

	return run.Account.Store.Update(func(tx storage.Tx) error {
		for i, message := range sent {
			id, err := tx.NextMessageID(run.Account.ID, folder.ID)
			if err != nil {
				return err
			}
			envelope, err := lib.ParseEnvelope(message.body)
			if err != nil {
				envelope = &lib.Envelope{}
			}
			suid := mailbox.NewSUID(folder.ID, id)
			header := &mailbox.Header{
				SUID:      suid,
				AccountID: run.Account.ID,
				FolderID:  folder.ID,
				ServerID:  uids[i],
				MessageID: envelope.MessageID,
				Subject:   envelope.Subject,
				From:      envelope.From,
				Date:      envelope.Date,
				Flags:     []string{seenFlag},
				Size:      uint32(len(message.body)),
				HasBody:   true,
			}
			if err := tx.PutHeader(header); err != nil {
				return err
			}
			if err := tx.PutBody(run.Account.ID, suid, message.body); err != nil {
				return err
			}
		}
		return nil
	})
}

// Check: a message is never sent twice by a check
func (h *sendOutbox) Check(ctx context.Context, run *Run) (job.CheckResult, error) {
	return job.CheckCoherentNotYet, nil
}

func (h *sendOutbox) Undo(ctx context.Context, run *Run) (job.Result, error) {
	return job.Result{}, fmt.Errorf("%w: sent messages cannot be recalled", job.ErrMoot)
}

