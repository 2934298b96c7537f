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

const (
	DefaultTrashPath = "Trash"
	DefaultSentPath  = "Sent"
)

type createFolder struct{}

func (h *createFolder) payload(op *job.Operation) (*job.CreateFolder, error) {
	payload, ok := op.Payload.(*job.CreateFolder)
	if !ok {
		return nil, fmt.Errorf("%w: expected createFolder payload, found %T", ErrUnsupported, op.Payload)
	}
	return payload, nil
}

// LocalDo has nothing to change locally: the folder is saved once the server created it.
// It returns job.ErrMoot when the folder is already known.
func (h *createFolder) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	payload, err := h.payload(op)
	if err != nil {
		return err
	}
	folder, err := tx.FolderByPath(acct.ID, payload.Path)
	if errors.Is(err, lib.ErrFolderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	payload.FolderID = folder.ID
	return fmt.Errorf("%w: folder %q already exists", job.ErrMoot, payload.Path)
}

func (h *createFolder) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	return nil
}

func (h *createFolder) Do(ctx context.Context, run *Run) (job.Result, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	lease, err := run.Acquire(ctx, nil, true)
	if err != nil {
		return job.Result{}, err
	}
	conn := lease.Conn()

	info, err := findFolder(conn, payload.Path)
	if err != nil {
		return job.Result{}, err
	}
	if info == nil {
		createErr := conn.CreateFolder(payload.Path)
		// it may have been created by someone else in the meantime
		info, err = findFolder(conn, payload.Path)
		if err != nil {
			return job.Result{}, err
		}
		if info == nil {
			if createErr == nil {
				createErr = errors.New("folder not listed after creation")
			}
			return job.Result{}, fmt.Errorf("cannot create folder %q: %w", payload.Path, createErr)
		}
	}
	payload.FolderID, err = saveFolder(run.Account, *info, payload.FolderType)
	if err != nil {
		return job.Result{}, err
	}
	return job.Result{Value: payload.FolderID}, nil
}

func (h *createFolder) Check(ctx context.Context, run *Run) (job.CheckResult, error) {
	payload, err := h.payload(run.Op)
	if err != nil {
		return job.CheckBailed, err
	}
	lease, err := run.Acquire(ctx, nil, true)
	if err != nil {
		return job.CheckBailed, err
	}
	info, err := findFolder(lease.Conn(), payload.Path)
	if err != nil {
		return job.CheckBailed, err
	}
	if info == nil {
		return job.CheckNotYet, nil
	}
	payload.FolderID, err = saveFolder(run.Account, *info, payload.FolderType)
	if err != nil {
		return job.CheckBailed, err
	}
	return job.CheckHappened, nil
}

// Undo never deletes a folder from the server
func (h *createFolder) Undo(ctx context.Context, run *Run) (job.Result, error) {
	return job.Result{}, fmt.Errorf("%w: folder creation cannot be undone", job.ErrMoot)
}

func findFolder(conn storage.Connection, path string) (*mailbox.Info, error) {
	infos, err := conn.ListFolders()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if lib.SameFolderPath(info.Name, path) {
			info := info
			return &info, nil
		}
	}
	return nil, nil
}

// saveFolder creates or updates the local folder matching the server folder, and returns its ID
func saveFolder(acct *Account, info mailbox.Info, folderType mailbox.FolderType) (string, error) {
	if folderType == "" || folderType == mailbox.FolderNormal {
		folderType = mailbox.DetectFolderType(lib.FolderName(info.Name, info.Delimiter), info.Attributes)
	}
	var folderID string
	err := acct.Store.Update(func(tx storage.Tx) error {
		folder, err := tx.FolderByPath(acct.ID, info.Name)
		if errors.Is(err, lib.ErrFolderNotFound) {
			folder = &mailbox.Folder{AccountID: acct.ID}
		} else if err != nil {
			return err
		}
		folder.Path = info.Name
		folder.Name = lib.FolderName(info.Name, info.Delimiter)
		folder.Delimiter = info.Delimiter
		if folder.Type == "" || folder.Type == mailbox.FolderNormal {
			folder.Type = folderType
		}
		if err := tx.PutFolder(folder); err != nil {
			return err
		}
		folderID = folder.ID
		return nil
	})
	return folderID, err
}

// MissingEssentialFolders returns the createFolder payloads needed for the folders
// other operations depend on: trash and sent
func MissingEssentialFolders(acct *Account, tx storage.Tx) ([]*job.CreateFolder, error) {
	essentials := []struct {
		folderType  mailbox.FolderType
		path        string
		defaultPath string
	}{
		{mailbox.FolderTrash, acct.TrashPath, DefaultTrashPath},
		{mailbox.FolderSent, acct.SentPath, DefaultSentPath},
	}
	missing := make([]*job.CreateFolder, 0, len(essentials))
	for _, essential := range essentials {
		_, err := essentialFolder(acct, tx, essential.folderType, essential.path)
		if err == nil {
			continue
		}
		if !errors.Is(err, job.ErrDefer) {
			return nil, err
		}
		path := essential.path
		if path == "" {
			path = essential.defaultPath
		}
		missing = append(missing, &job.CreateFolder{
			Path:       path,
			FolderType: essential.folderType,
		})
	}
	return missing, nil
}
