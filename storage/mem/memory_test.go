package mem

import (
	"context"
	"testing"
	"time"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
	"github.com/creativeprojects/offmail/storage/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryConnection(t *testing.T) {
	for _, uidplus := range []bool{true, false} {
		uidplus := uidplus
		name := "WithoutUIDPlus"
		if uidplus {
			name = "WithUIDPlus"
		}
		t.Run(name, func(t *testing.T) {
			server := NewWithLogger(lib.NewTestLogger(t, "mem"))
			server.SetUIDPlus(uidplus)
			conn, err := server.Dial(context.Background())
			require.NoError(t, err)
			defer conn.Close()

			assert.Equal(t, uidplus, conn.SupportMessageID())
			test.RunTestsOnConnection(t, conn)
		})
	}
}

func TestOfflineServer(t *testing.T) {
	server := New()
	conn, err := server.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, server.OpenConnections())

	server.SetOffline(true)
	_, err = server.Dial(context.Background())
	assert.ErrorIs(t, err, lib.ErrConnectionLost)

	_, err = conn.ListFolders()
	assert.ErrorIs(t, err, lib.ErrConnectionLost)
	assert.Equal(t, 0, server.OpenConnections())

	// a broken connection stays broken
	server.SetOffline(false)
	_, err = conn.ListFolders()
	assert.ErrorIs(t, err, lib.ErrConnectionLost)
	assert.Equal(t, 2, server.Dials())
}

func TestAuthenticationFailure(t *testing.T) {
	server := New()
	server.SetAuthFailure(true)
	_, err := server.Dial(context.Background())
	assert.ErrorIs(t, err, lib.ErrAuthFailed)
}

func TestInjectFault(t *testing.T) {
	server := New()
	server.AddFolder("INBOX")
	server.AddFolder("Archive")
	uid, err := server.AddMessage("INBOX", lib.GenerateEmail("a@example.com", "b@example.com", 1, 10, 20), nil, time.Now())
	require.NoError(t, err)

	t.Run("BeforeEffect", func(t *testing.T) {
		server.InjectFault("CopyMessages", 1, false)
		conn, err := server.Dial(context.Background())
		require.NoError(t, err)

		_, err = conn.CopyMessages("INBOX", []uint32{uid}, "Archive")
		assert.ErrorIs(t, err, lib.ErrConnectionLost)
		assert.Empty(t, server.Messages("Archive"))
	})

	t.Run("AfterEffect", func(t *testing.T) {
		server.InjectFault("CopyMessages", 1, true)
		conn, err := server.Dial(context.Background())
		require.NoError(t, err)

		_, err = conn.CopyMessages("INBOX", []uint32{uid}, "Archive")
		assert.ErrorIs(t, err, lib.ErrConnectionLost)
		assert.Len(t, server.Messages("Archive"), 1)
	})

	t.Run("NoMoreFault", func(t *testing.T) {
		conn, err := server.Dial(context.Background())
		require.NoError(t, err)

		copied, err := conn.CopyMessages("INBOX", []uint32{uid}, "Archive")
		require.NoError(t, err)
		assert.Len(t, copied, 1)
		assert.Len(t, server.Messages("Archive"), 2)
	})
}

func TestCallsAndHook(t *testing.T) {
	server := New()
	server.AddFolder("INBOX", "\\Inbox")
	hooked := make([]string, 0)
	server.SetHook(func(method, path string) {
		hooked = append(hooked, method)
	})
	conn, err := server.Dial(context.Background())
	require.NoError(t, err)

	_, err = conn.SelectFolder("inbox")
	require.NoError(t, err)
	_, err = conn.FetchHeaders("INBOX", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"SelectFolder inbox", "FetchHeaders INBOX"}, server.Calls())
	assert.Equal(t, []string{"SelectFolder", "FetchHeaders"}, hooked)
	server.ResetCalls()
	assert.Empty(t, server.Calls())
}

func TestGenerateFakeEmails(t *testing.T) {
	server := New()
	server.GenerateFakeEmails("INBOX", 10, 10, 100)

	messages := server.Messages("INBOX")
	require.Len(t, messages, 10)
	for i, message := range messages {
		assert.Equal(t, uint32(i+1), message.UID)
		assert.Equal(t, lib.GenerateMessageID(uint32(i+1)), message.MessageID)
	}
}

func TestBulkAppend(t *testing.T) {
	server := New()
	server.AddFolder("INBOX")
	conn, err := server.Dial(context.Background())
	require.NoError(t, err)

	bulk, ok := conn.(storage.BulkAppender)
	require.True(t, ok)
	uids, err := bulk.AppendMessages("INBOX", []storage.AppendMessage{
		{Body: []byte("Subject: one\r\n\r\n1")},
		{Body: []byte("Subject: two\r\n\r\n2")},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, uids)
}
