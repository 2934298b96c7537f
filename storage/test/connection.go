package test

import (
	"testing"
	"time"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sourceFolder = "OffmailSource"
	targetFolder = "OffmailTarget"
	sampleID     = "<0000000@localhost/>"
)

// RunTestsOnConnection is the unit tests runner called by the concrete implementations of storage.Connection.
// The server must accept the creation of new folders.
func RunTestsOnConnection(t *testing.T, conn storage.Connection) {
	require.NotNil(t, conn)

	var uid uint32

	t.Run("Delimiter", func(t *testing.T) {
		assert.NotEmpty(t, conn.Delimiter())
	})

	t.Run("CreateFolders", func(t *testing.T) {
		require.NoError(t, conn.CreateFolder(sourceFolder))
		require.NoError(t, conn.CreateFolder(targetFolder))

		list, err := conn.ListFolders()
		require.NoError(t, err)
		names := make([]string, len(list))
		for i, info := range list {
			names[i] = info.Name
		}
		assert.Contains(t, names, sourceFolder)
		assert.Contains(t, names, targetFolder)
	})

	t.Run("SelectMissingFolder", func(t *testing.T) {
		_, err := conn.SelectFolder("OffmailNotThere")
		assert.ErrorIs(t, err, lib.ErrFolderNotFound)
	})

	t.Run("SelectEmptyFolder", func(t *testing.T) {
		status, err := conn.SelectFolder(targetFolder)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), status.Messages)
		assert.NotZero(t, status.UidValidity)
	})

	t.Run("AppendMessage", func(t *testing.T) {
		var err error
		uid, err = conn.AppendMessage(sourceFolder, storage.AppendMessage{
			Flags: []string{"\\Seen", "\\Recent"},
			Date:  time.Date(2016, 5, 11, 14, 31, 59, 0, time.UTC),
			Body:  []byte(sampleMessage),
		})
		require.NoError(t, err)
		if conn.SupportMessageID() {
			assert.NotZero(t, uid)
		}
		found, err := conn.SearchMessageID(sourceFolder, sampleID)
		require.NoError(t, err)
		require.Len(t, found, 1)
		if uid != 0 {
			assert.Equal(t, uid, found[0])
		}
		uid = found[0]
	})

	t.Run("FetchHeaders", func(t *testing.T) {
		messages, err := conn.FetchHeaders(sourceFolder, 0)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, uid, messages[0].UID)
		assert.Equal(t, sampleID, messages[0].MessageID)
		assert.Equal(t, "A little message, just for you", messages[0].Subject)
		assert.Equal(t, "contact@example.org", messages[0].From)
		assert.Equal(t, []string{"\\Seen"}, messages[0].Flags)
		assert.Equal(t, uint32(len(sampleMessage)), messages[0].Size)

		messages, err = conn.FetchHeaders(sourceFolder, uid)
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("FetchBody", func(t *testing.T) {
		body, err := conn.FetchBody(sourceFolder, uid)
		require.NoError(t, err)
		assert.Equal(t, sampleMessage, string(body))
	})

	t.Run("StoreFlags", func(t *testing.T) {
		err := conn.StoreFlags(sourceFolder, []uint32{uid}, []string{"\\Flagged"}, []string{"\\Seen"})
		require.NoError(t, err)

		messages, err := conn.FetchHeaders(sourceFolder, 0)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, []string{"\\Flagged"}, messages[0].Flags)
	})

	t.Run("SearchUIDs", func(t *testing.T) {
		found, err := conn.SearchUIDs(sourceFolder, []uint32{uid, uid + 1000})
		require.NoError(t, err)
		assert.Equal(t, []uint32{uid}, found)
	})

	t.Run("CopyMessages", func(t *testing.T) {
		copied, err := conn.CopyMessages(sourceFolder, []uint32{uid}, targetFolder)
		require.NoError(t, err)

		found, err := conn.SearchMessageID(targetFolder, sampleID)
		require.NoError(t, err)
		require.Len(t, found, 1)
		if conn.SupportMessageID() {
			assert.Equal(t, found[0], copied[uid])
		}

		found, err = conn.SearchMessageID(sourceFolder, sampleID)
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("DeleteMessages", func(t *testing.T) {
		err := conn.DeleteMessages(sourceFolder, []uint32{uid})
		require.NoError(t, err)

		found, err := conn.SearchMessageID(sourceFolder, sampleID)
		require.NoError(t, err)
		assert.Empty(t, found)

		found, err = conn.SearchUIDs(sourceFolder, []uint32{uid})
		require.NoError(t, err)
		assert.Empty(t, found)

		// the copy is still there
		found, err = conn.SearchMessageID(targetFolder, sampleID)
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("FetchMissingBody", func(t *testing.T) {
		_, err := conn.FetchBody(sourceFolder, uid)
		assert.ErrorIs(t, err, lib.ErrMessageNotFound)
	})

	t.Run("BulkAppend", func(t *testing.T) {
		bulk, ok := conn.(storage.BulkAppender)
		if !ok {
			t.Skip("connection cannot append many messages at once")
		}
		messages := []storage.AppendMessage{
			{Body: lib.GenerateEmail("from@example.com", "to@example.com", 101, 100, 200)},
			{Body: lib.GenerateEmail("from@example.com", "to@example.com", 102, 100, 200)},
		}
		uids, err := bulk.AppendMessages(sourceFolder, messages)
		require.NoError(t, err)
		require.Len(t, uids, 2)

		for i, seq := range []uint32{101, 102} {
			found, err := conn.SearchMessageID(sourceFolder, lib.GenerateMessageID(seq))
			require.NoError(t, err)
			require.Len(t, found, 1)
			if conn.SupportMessageID() {
				assert.Equal(t, found[0], uids[i])
			}
		}
	})
}
