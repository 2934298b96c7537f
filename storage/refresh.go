package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
)

type Progresser interface {
	Increment()
}

// RefreshStats counts what a refresh changed in the local store
type RefreshStats struct {
	Folders  int
	Messages int
	Reset    int
}

// Refresh lists the folders of the server and fetches the headers of the new messages into the local store.
// Messages already known locally by their UID, or waiting for one with the same Message-ID, are left alone.
// When the UIDVALIDITY of a folder changed, all its local messages are dropped and fetched again.
func Refresh(ctx context.Context, store Store, conn Connection, accountID string, pbar Progresser, logger lib.Logger) (RefreshStats, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	stats := RefreshStats{}
	list, err := conn.ListFolders()
	if err != nil {
		return stats, fmt.Errorf("cannot list folders: %w", err)
	}
	for _, info := range list {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if lib.HasFlag(info.Attributes, "\\Noselect") {
			continue
		}
		count, reset, err := refreshFolder(store, conn, accountID, info, pbar, logger)
		if err != nil {
			return stats, fmt.Errorf("cannot refresh folder %q: %w", info.Name, err)
		}
		stats.Folders++
		stats.Messages += count
		if reset {
			stats.Reset++
		}
	}
	return stats, nil
}

func refreshFolder(store Store, conn Connection, accountID string, info mailbox.Info, pbar Progresser, logger lib.Logger) (int, bool, error) {
	status, err := conn.SelectFolder(info.Name)
	if err != nil {
		return 0, false, err
	}

	var folder *mailbox.Folder
	err = store.View(func(tx Tx) error {
		folder, err = tx.FolderByPath(accountID, info.Name)
		return err
	})
	if errors.Is(err, lib.ErrFolderNotFound) {
		name := lib.FolderName(info.Name, info.Delimiter)
		folder = &mailbox.Folder{
			AccountID: accountID,
			Path:      info.Name,
			Name:      name,
			Delimiter: info.Delimiter,
			Type:      mailbox.DetectFolderType(name, info.Attributes),
		}
	} else if err != nil {
		return 0, false, err
	}

	reset := folder.UidValidity != 0 && folder.UidValidity != status.UidValidity
	if reset {
		logger.Printf("UIDVALIDITY of folder %q changed from %d to %d", info.Name, folder.UidValidity, status.UidValidity)
		folder.LastUid = 0
	}
	var messages []RemoteMessage
	if reset || status.HasNewMessages(folder.LastUid) {
		messages, err = conn.FetchHeaders(info.Name, folder.LastUid)
		if err != nil {
			return 0, false, err
		}
	}

	added := 0
	err = store.Update(func(tx Tx) error {
		folder.UidValidity = status.UidValidity
		if err := tx.PutFolder(folder); err != nil {
			return err
		}
		headers, err := tx.Headers(accountID, folder.ID)
		if err != nil {
			return err
		}
		if reset {
			for _, header := range headers {
				if err := tx.DeleteHeader(accountID, header.SUID); err != nil {
					return err
				}
			}
			headers = nil
		}
		known := make(map[uint32]bool, len(headers))
		waiting := make(map[string]bool)
		for _, header := range headers {
			if header.ServerID != 0 {
				known[header.ServerID] = true
			} else if header.MessageID != "" {
				waiting[header.MessageID] = true
			}
		}
		for _, message := range messages {
			if pbar != nil {
				pbar.Increment()
			}
			if message.UID > folder.LastUid {
				folder.LastUid = message.UID
			}
			if known[message.UID] || (message.MessageID != "" && waiting[message.MessageID]) {
				continue
			}
			id, err := tx.NextMessageID(accountID, folder.ID)
			if err != nil {
				return err
			}
			header := &mailbox.Header{
				SUID:      mailbox.NewSUID(folder.ID, id),
				AccountID: accountID,
				FolderID:  folder.ID,
				ServerID:  message.UID,
				MessageID: message.MessageID,
				Subject:   message.Subject,
				From:      message.From,
				Date:      message.Date,
				Flags:     lib.SortFlags(lib.StripRecentFlag(message.Flags)),
				Size:      message.Size,
			}
			if err := tx.PutHeader(header); err != nil {
				return err
			}
			added++
		}
		return tx.PutFolder(folder)
	})
	if err != nil {
		return 0, false, err
	}
	logger.Printf("folder %q refreshed: %d new messages", info.Name, added)
	return added, reset, nil
}
