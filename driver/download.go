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

type download struct{}

func (h *download) payload(op *job.Operation) (*job.Download, error) {
	payload, ok := op.Payload.(*job.Download)
	if !ok {
		return nil, fmt.Errorf("%w: expected download payload, found %T", ErrUnsupported, op.Payload)
	}
	return payload, nil
}

func (h *download) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	_, err = tx.Header(acct.ID, payload.Message)
	if errors.Is(err, lib.ErrMessageNotFound) {
		return fmt.Errorf("%w: message %q", job.ErrMoot, payload.Message)
	}
	return err
}

func (h *download) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	return nil
}

// Do fetches the body and hands it to the completion callback
func (h *download) Do(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	bodies, err := fetchBodies(ctx, run, []mailbox.SUID{payload.Message}, 0, true)
	if err != nil {
		return job.Result{}, err
	}
	body, ok := bodies[payload.Message]
	if !ok {
		return job.Result{}, fmt.Errorf("%w: message %q not found on the server", job.ErrMoot, payload.Message)
	}
	return job.Result{Value: body}, nil
}

// Check: a download changes nothing on the server
func (h *download) Check(ctx context.Context, run *Run) (job.CheckResult, error) {
	return job.CheckCoherentNotYet, nil
}

func (h *download) Undo(ctx context.Context, run *Run) (job.Result, error) {
	return job.Result{}, fmt.Errorf("%w: nothing to undo", job.ErrMoot)
}

type downloadBodies struct{}

func (h *downloadBodies) payload(op *job.Operation) (*job.DownloadBodies, error) {
	payload, ok := op.Payload.(*job.DownloadBodies)
	if !ok {
		return nil, fmt.Errorf("%w: expected downloadBodies payload, found %T", ErrUnsupported, op.Payload)
	}
	return payload, nil
}

func (h *downloadBodies) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	return nil
}

func (h *downloadBodies) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	return nil
}

// Do returns the number of bodies downloaded
func (h *downloadBodies) Do(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	bodies, err := fetchBodies(ctx, run, payload.Messages, payload.MaxSize, false)
	if err != nil {
		return job.Result{}, err
	}
	return job.Result{Value: len(bodies)}, nil
}

func (h *downloadBodies) Check(ctx context.Context, run *Run) (job.CheckResult, error) {
	return job.CheckCoherentNotYet, nil
}

func (h *downloadBodies) Undo(ctx context.Context, run *Run) (job.Result, error) {
	return job.Result{}, fmt.Errorf("%w: nothing to undo", job.ErrMoot)
}

type bodyTarget struct {
	suid mailbox.SUID
	uid  uint32
}

// fetchBodies downloads the bodies not in the local store yet, and saves them.
// Messages bigger than maxSize are skipped when maxSize is not zero.
// Bodies already in the local store are only returned when withLocal is set.
func fetchBodies(ctx context.Context, run *Run, messages []mailbox.SUID, maxSize uint32, withLocal bool) (map[mailbox.SUID][]byte, error) {
	byFolder := make(map[string][]bodyTarget)
	paths := make(map[string]string)
	bodies := make(map[mailbox.SUID][]byte, len(messages))

	err := run.View(func(tx storage.Tx) error {
		for _, suid := range messages {
			header, err := tx.Header(run.Account.ID, suid)
			if errors.Is(err, lib.ErrMessageNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if header.HasBody {
				body, err := tx.Body(run.Account.ID, suid)
				if err == nil {
					if withLocal {
						bodies[suid] = body
					}
					continue
				}
			}
			if maxSize > 0 && header.Size > maxSize {
				continue
			}
			uid := run.ServerID(tx, suid, header.ServerID)
			if uid == 0 {
				run.log.Printf("no server identifier for message %q: skipped", suid)
				continue
			}
			if _, ok := paths[header.FolderID]; !ok {
				folder, err := tx.Folder(run.Account.ID, header.FolderID)
				if err != nil {
					return err
				}
				paths[header.FolderID] = folder.Path
			}
			byFolder[header.FolderID] = append(byFolder[header.FolderID], bodyTarget{suid: suid, uid: uid})
		}
		return nil
	})
	if err != nil || len(byFolder) == 0 {
		return bodies, err
	}

	lease, err := run.Acquire(ctx, sortedKeys(byFolder), true)
	if err != nil {
		return nil, err
	}
	conn := lease.Conn()
	fetched := make(map[mailbox.SUID][]byte)
	for _, folderID := range lease.Folders() {
		for _, target := range byFolder[folderID] {
			body, err := conn.FetchBody(paths[folderID], target.uid)
			if errors.Is(err, lib.ErrMessageNotFound) {
				run.log.Printf("message %q not found on the server", target.suid)
				continue
			}
			if err != nil {
				return nil, err
			}
			fetched[target.suid] = body
		}
	}

	err = run.Account.Store.Update(func(tx storage.Tx) error {
		for suid, body := range fetched {
			header, err := tx.Header(run.Account.ID, suid)
			if errors.Is(err, lib.ErrMessageNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			header.HasBody = true
			header.Size = uint32(len(body))
			if err := tx.PutHeader(header); err != nil {
				return err
			}
			if err := tx.PutBody(run.Account.ID, suid, body); err != nil {
				return err
			}
			bodies[suid] = body
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bodies, nil
}
