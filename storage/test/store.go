package test

import (
	"testing"
	"time"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "test-account"

// RunTestsOnStore is the unit tests runner called by the concrete implementations of storage.Store
func RunTestsOnStore(t *testing.T, store storage.Store) {
	require.NotNil(t, store)

	var inbox, work mailbox.Folder

	t.Run("EmptyAccount", func(t *testing.T) {
		err := store.View(func(tx storage.Tx) error {
			folders, err := tx.Folders(testAccount)
			require.NoError(t, err)
			assert.Empty(t, folders)

			state, err := tx.AccountState(testAccount)
			require.NoError(t, err)
			assert.Nil(t, state)

			_, err = tx.Folder(testAccount, "1")
			assert.ErrorIs(t, err, lib.ErrFolderNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("PutFolders", func(t *testing.T) {
		inbox = mailbox.Folder{AccountID: testAccount, Path: "INBOX", Name: "INBOX", Delimiter: ".", Type: mailbox.FolderInbox}
		work = mailbox.Folder{AccountID: testAccount, Path: "Work", Name: "Work", Delimiter: ".", Type: mailbox.FolderNormal}
		err := store.Update(func(tx storage.Tx) error {
			if err := tx.PutFolder(&inbox); err != nil {
				return err
			}
			return tx.PutFolder(&work)
		})
		require.NoError(t, err)
		assert.NotEmpty(t, inbox.ID)
		assert.NotEmpty(t, work.ID)
		assert.NotEqual(t, inbox.ID, work.ID)
	})

	t.Run("FindFolders", func(t *testing.T) {
		err := store.View(func(tx storage.Tx) error {
			folders, err := tx.Folders(testAccount)
			require.NoError(t, err)
			assert.Len(t, folders, 2)

			folder, err := tx.FolderByType(testAccount, mailbox.FolderInbox)
			require.NoError(t, err)
			assert.Equal(t, inbox, *folder)

			folder, err = tx.FolderByPath(testAccount, "inbox")
			require.NoError(t, err)
			assert.Equal(t, inbox.ID, folder.ID)

			_, err = tx.FolderByType(testAccount, mailbox.FolderTrash)
			assert.ErrorIs(t, err, lib.ErrFolderNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	var suid mailbox.SUID
	date := time.Date(2020, 10, 20, 12, 11, 0, 0, time.UTC)

	t.Run("PutHeaderAndBody", func(t *testing.T) {
		err := store.Update(func(tx storage.Tx) error {
			id, err := tx.NextMessageID(testAccount, inbox.ID)
			require.NoError(t, err)
			suid = mailbox.NewSUID(inbox.ID, id)
			err = tx.PutHeader(&mailbox.Header{
				SUID:      suid,
				AccountID: testAccount,
				ServerID:  10,
				MessageID: "<1@localhost/>",
				Subject:   "A little message, just for you",
				Date:      date,
				Flags:     []string{imap.SeenFlag, imap.FlaggedFlag},
				Size:      uint32(len(sampleMessage)),
				HasBody:   true,
			})
			require.NoError(t, err)
			return tx.PutBody(testAccount, suid, []byte(sampleMessage))
		})
		require.NoError(t, err)
	})

	t.Run("ReadHeaderAndBody", func(t *testing.T) {
		err := store.View(func(tx storage.Tx) error {
			header, err := tx.Header(testAccount, suid)
			require.NoError(t, err)
			assert.Equal(t, inbox.ID, header.FolderID)
			assert.Equal(t, uint32(10), header.ServerID)
			assert.True(t, date.Equal(header.Date))
			// flags are always sorted
			assert.Equal(t, []string{imap.FlaggedFlag, imap.SeenFlag}, header.Flags)

			body, err := tx.Body(testAccount, suid)
			require.NoError(t, err)
			assert.Equal(t, sampleMessage, string(body))

			headers, err := tx.Headers(testAccount, inbox.ID)
			require.NoError(t, err)
			assert.Len(t, headers, 1)

			headers, err = tx.Headers(testAccount, work.ID)
			require.NoError(t, err)
			assert.Empty(t, headers)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("MessageIDsAreNeverReused", func(t *testing.T) {
		err := store.Update(func(tx storage.Tx) error {
			require.NoError(t, tx.DeleteBody(testAccount, suid))
			require.NoError(t, tx.DeleteHeader(testAccount, suid))
			id, err := tx.NextMessageID(testAccount, inbox.ID)
			require.NoError(t, err)
			assert.Greater(t, id, suid.ID())
			return nil
		})
		require.NoError(t, err)

		err = store.View(func(tx storage.Tx) error {
			_, err := tx.Header(testAccount, suid)
			assert.ErrorIs(t, err, lib.ErrMessageNotFound)
			_, err = tx.Body(testAccount, suid)
			assert.ErrorIs(t, err, lib.ErrBodyNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		err := store.Update(func(tx storage.Tx) error {
			require.NoError(t, tx.PutAccountState(testAccount, []byte("rollback")))
			return lib.ErrMessageNotFound
		})
		assert.ErrorIs(t, err, lib.ErrMessageNotFound)

		err = store.View(func(tx storage.Tx) error {
			state, err := tx.AccountState(testAccount)
			require.NoError(t, err)
			assert.Nil(t, state)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("AccountState", func(t *testing.T) {
		err := store.Update(func(tx storage.Tx) error {
			return tx.PutAccountState(testAccount, []byte("state"))
		})
		require.NoError(t, err)

		err = store.View(func(tx storage.Tx) error {
			state, err := tx.AccountState(testAccount)
			require.NoError(t, err)
			assert.Equal(t, "state", string(state))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("DeleteFolder", func(t *testing.T) {
		err := store.Update(func(tx storage.Tx) error {
			return tx.DeleteFolder(testAccount, work.ID)
		})
		require.NoError(t, err)

		err = store.View(func(tx storage.Tx) error {
			_, err := tx.Folder(testAccount, work.ID)
			assert.ErrorIs(t, err, lib.ErrFolderNotFound)
			_, err = tx.Headers(testAccount, work.ID)
			assert.ErrorIs(t, err, lib.ErrFolderNotFound)
			return nil
		})
		require.NoError(t, err)
	})
}
