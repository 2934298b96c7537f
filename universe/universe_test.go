package universe

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creativeprojects/offmail/broker"
	"github.com/creativeprojects/offmail/driver"
	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	"github.com/creativeprojects/offmail/storage/local"
	"github.com/creativeprojects/offmail/storage/mdir"
	"github.com/creativeprojects/offmail/storage/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "account"

type fixture struct {
	t        *testing.T
	server   *mem.Server
	store    storage.Store
	universe *Universe
}

func fastBackoff() *broker.Backoff {
	return broker.NewBackoff(broker.BackoffConfig{
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		MaxFailures:       3,
		AttemptsPerSecond: 1000,
		Burst:             10,
	})
}

// newFixture creates a server with an INBOX of 3 messages, a trash and an archive folder,
// refreshed into a local store
func newFixture(t *testing.T, folders ...string) *fixture {
	t.Helper()
	server := mem.NewWithLogger(lib.NewTestLogger(t, "server"))
	server.AddFolder("INBOX")
	if len(folders) == 0 {
		folders = []string{"Archive", "Trash"}
	}
	for _, folder := range folders {
		attributes := []string{}
		if folder == "Trash" {
			attributes = append(attributes, "\\Trash")
		}
		server.AddFolder(folder, attributes...)
	}
	for seq := uint32(1); seq <= 3; seq++ {
		_, err := server.AddMessage("INBOX", lib.GenerateEmail("a@example.com", "b@example.com", seq, 10, 20), nil, time.Now())
		require.NoError(t, err)
	}

	store, err := local.NewBoltStoreWithLogger(filepath.Join(t.TempDir(), "store.db"), lib.NewTestLogger(t, "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	conn, err := server.Dial(context.Background())
	require.NoError(t, err)
	_, err = storage.Refresh(context.Background(), store, conn, testAccount, nil, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	server.ResetCalls()

	f := &fixture{
		t:      t,
		server: server,
		store:  store,
	}
	f.universe = f.start(nil)
	return f
}

// start opens a universe on the store of the fixture, offline
func (f *fixture) start(configure func(*Config)) *Universe {
	f.t.Helper()
	config := Config{
		Store:         f.store,
		DeferredDelay: 50 * time.Millisecond,
		OpTimeout:     5 * time.Second,
		DebugLogger:   lib.NewTestLogger(f.t, "universe"),
	}
	if configure != nil {
		configure(&config)
	}
	u, err := New(config)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = u.Close() })

	err = u.AddAccount(AccountConfig{
		ID:      testAccount,
		Dialer:  f.server,
		Backoff: fastBackoff(),
	})
	require.NoError(f.t, err)
	return u
}

func (f *fixture) folder(path string) *mailbox.Folder {
	f.t.Helper()
	var folder *mailbox.Folder
	err := f.store.View(func(tx storage.Tx) error {
		var err error
		folder, err = tx.FolderByPath(testAccount, path)
		return err
	})
	require.NoError(f.t, err)
	return folder
}

func (f *fixture) headers(path string) []mailbox.Header {
	f.t.Helper()
	var headers []mailbox.Header
	err := f.store.View(func(tx storage.Tx) error {
		folder, err := tx.FolderByPath(testAccount, path)
		if err != nil {
			return err
		}
		headers, err = tx.Headers(testAccount, folder.ID)
		return err
	})
	require.NoError(f.t, err)
	return headers
}

func (f *fixture) header(suid mailbox.SUID) (*mailbox.Header, error) {
	var header *mailbox.Header
	err := f.store.View(func(tx storage.Tx) error {
		var err error
		header, err = tx.Header(testAccount, suid)
		return err
	})
	return header, err
}

// inbox returns the SUID of the message with this sequence in the INBOX
func (f *fixture) inbox(seq uint32) mailbox.SUID {
	f.t.Helper()
	for _, header := range f.headers("INBOX") {
		if header.MessageID == lib.GenerateMessageID(seq) {
			return header.SUID
		}
	}
	f.t.Fatalf("message %d not found in INBOX", seq)
	return ""
}

func (f *fixture) wait() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(f.t, f.universe.WaitForAllOpsComplete(ctx, testAccount))
}

func (f *fixture) remote(path string, seq uint32) []storage.RemoteMessage {
	found := make([]storage.RemoteMessage, 0, 1)
	for _, message := range f.server.Messages(path) {
		if message.MessageID == lib.GenerateMessageID(seq) {
			found = append(found, message)
		}
	}
	return found
}

func (f *fixture) calls(method string) []string {
	found := make([]string, 0)
	for _, call := range f.server.Calls() {
		if strings.HasPrefix(call, method+" ") {
			found = append(found, call)
		}
	}
	return found
}

// completions collects the completions in the order they're received
type completions struct {
	mu   sync.Mutex
	list []job.Completion
}

func (c *completions) add(completion job.Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list = append(c.list, completion)
}

func (c *completions) get() []job.Completion {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]job.Completion(nil), c.list...)
}

type testSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *testSender) Send(ctx context.Context, from string, to []string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, to...)
	return nil
}

func (s *testSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.sent...)
}

func TestEnqueueUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.universe.Enqueue("unknown", &job.ModTags{})
	assert.ErrorIs(t, err, lib.ErrAccountNotFound)

	_, err = f.universe.Enqueue(testAccount, nil)
	assert.Error(t, err)
}

func TestAddAccountTwice(t *testing.T) {
	f := newFixture(t)
	err := f.universe.AddAccount(AccountConfig{ID: testAccount})
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestModTagsOfflineThenOnline(t *testing.T) {
	f := newFixture(t)
	suid := f.inbox(1)
	done := &completions{}

	id, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{suid},
		AddTags:  []string{"\\Seen"},
	}, WithCompletion(done.add))
	require.NoError(t, err)

	header, err := f.header(suid)
	require.NoError(t, err)
	assert.Contains(t, header.Flags, "\\Seen")
	assert.Empty(t, f.server.Calls())

	f.universe.SetOnline(true)
	f.wait()

	require.Len(t, done.get(), 1)
	assert.Equal(t, id, done.get()[0].LongtermID)
	assert.Equal(t, job.StatusDone, done.get()[0].Status)
	assert.NoError(t, done.get()[0].Err)

	remote := f.remote("INBOX", 1)
	require.Len(t, remote, 1)
	assert.Contains(t, remote[0].Flags, "\\Seen")

	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, op.Status)
	assert.Equal(t, job.DesireNone, op.Desire)
}

func TestMoveOfflineThenOnline(t *testing.T) {
	f := newFixture(t)
	source := f.inbox(2)
	archive := f.folder("Archive")

	id, err := f.universe.Enqueue(testAccount, &job.Move{
		Messages:     []mailbox.SUID{source},
		TargetFolder: archive.ID,
	})
	require.NoError(t, err)

	_, err = f.header(source)
	assert.ErrorIs(t, err, lib.ErrMessageNotFound)
	moved := f.headers("Archive")
	require.Len(t, moved, 1)
	assert.Equal(t, lib.GenerateMessageID(2), moved[0].MessageID)
	assert.NotEqual(t, source, moved[0].SUID)

	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	payload := op.Payload.(*job.Move)
	assert.Equal(t, moved[0].SUID, payload.MoveMap[source])

	f.universe.SetOnline(true)
	f.wait()

	assert.Empty(t, f.remote("INBOX", 2))
	remote := f.remote("Archive", 2)
	require.Len(t, remote, 1)

	op, err = f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, op.Status)
	payload = op.Payload.(*job.Move)
	assert.Equal(t, remote[0].UID, payload.ServerIDMap[moved[0].SUID])

	header, err := f.header(moved[0].SUID)
	require.NoError(t, err)
	assert.Equal(t, remote[0].UID, header.ServerID)
}

func TestUndoMoveBeforeGoingOnline(t *testing.T) {
	f := newFixture(t)
	source := f.inbox(1)
	before, err := f.header(source)
	require.NoError(t, err)
	archive := f.folder("Archive")
	done := &completions{}

	id, err := f.universe.Enqueue(testAccount, &job.Move{
		Messages:     []mailbox.SUID{source},
		TargetFolder: archive.ID,
	}, WithCompletion(done.add))
	require.NoError(t, err)
	require.NoError(t, f.universe.Undo(id))

	after, err := f.header(source)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.headers("Archive"))

	dials := f.server.Dials()
	f.universe.SetOnline(true)
	f.wait()

	assert.Empty(t, f.server.Calls())
	assert.Equal(t, dials, f.server.Dials())
	require.Len(t, done.get(), 1)
	assert.Equal(t, job.StatusUndone, done.get()[0].Status)

	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.DesireNone, op.Desire)
}

func TestDeleteWaitsForTrashFolder(t *testing.T) {
	f := newFixture(t, "Archive")
	suid := f.inbox(3)
	done := &completions{}

	id, err := f.universe.Enqueue(testAccount, &job.Delete{
		Move: job.Move{Messages: []mailbox.SUID{suid}},
	}, WithCompletion(done.add))
	require.NoError(t, err)

	// nothing changed locally until the trash folder exists
	_, err = f.header(suid)
	assert.NoError(t, err)
	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.DesireDo, op.Desire)
	assert.Equal(t, job.StatusNone, op.LocalStatus)

	pending := 0
	ops, err := f.universe.Operations(testAccount)
	require.NoError(t, err)
	for _, op := range ops {
		if payload, ok := op.Payload.(*job.CreateFolder); ok {
			pending++
			assert.Contains(t, []mailbox.FolderType{mailbox.FolderTrash, mailbox.FolderSent}, payload.FolderType)
		}
	}
	assert.Equal(t, 2, pending)

	f.universe.SetOnline(true)
	f.wait()

	require.Len(t, done.get(), 1)
	assert.Equal(t, id, done.get()[0].LongtermID)
	assert.Equal(t, job.StatusDone, done.get()[0].Status)

	assert.Empty(t, f.remote("INBOX", 3))
	assert.Len(t, f.remote("Trash", 3), 1)
	trash := f.folder("Trash")
	assert.Equal(t, mailbox.FolderTrash, trash.Type)
	assert.Len(t, f.headers("Trash"), 1)
}

func TestSendOutboxAfterRestart(t *testing.T) {
	f := newFixture(t)
	outbox, err := mdir.NewWithLogger(t.TempDir(), "example.com", lib.NewTestLogger(t, "outbox"))
	require.NoError(t, err)
	queue := func(to string, state storage.SendState) string {
		key, err := outbox.Queue(lib.GenerateEmail("me@example.com", to, 1, 10, 20))
		require.NoError(t, err)
		require.NoError(t, outbox.SetState(key, state, ""))
		return key
	}
	first := queue("first@example.com", storage.SendSuccess)
	second := queue("second@example.com", storage.SendSending)
	third := queue("third@example.com", storage.SendPending)
	// the first message was sent and removed before the crash
	require.NoError(t, outbox.Remove(first))
	sender := &testSender{}

	require.NoError(t, f.universe.Close())
	u, err := New(Config{Store: f.store, DebugLogger: lib.NewTestLogger(t, "universe")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	require.NoError(t, u.AddAccount(AccountConfig{
		ID:     testAccount,
		Dialer: f.server,
		Outbox: outbox,
		Sender: sender,
		From:   "me@example.com",
	}))
	f.universe = u

	done := &completions{}
	_, err = u.Enqueue(testAccount, &job.SendOutbox{}, WithCompletion(done.add))
	require.NoError(t, err)
	u.SetOnline(true)
	f.wait()

	assert.ElementsMatch(t, []string{"second@example.com", "third@example.com"}, sender.recipients())
	require.Len(t, done.get(), 1)
	assert.Equal(t, job.StatusDone, done.get()[0].Status)
	assert.ElementsMatch(t, []string{second, third}, done.get()[0].Value)

	messages, err := outbox.List()
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestLocalEffectIsImmediate(t *testing.T) {
	f := newFixture(t)
	archive := f.folder("Archive")

	_, err := f.universe.Enqueue(testAccount, &job.Copy{
		Messages:     []mailbox.SUID{f.inbox(1)},
		TargetFolder: archive.ID,
	})
	require.NoError(t, err)
	assert.Len(t, f.headers("Archive"), 1)
	assert.Len(t, f.headers("INBOX"), 3)

	_, err = f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{f.inbox(2)},
		AddTags:  []string{"\\Flagged"},
	})
	require.NoError(t, err)
	header, err := f.header(f.inbox(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"\\Flagged"}, header.Flags)
}

func TestTagsConverge(t *testing.T) {
	f := newFixture(t)
	suid := f.inbox(1)
	changes := []job.ModTags{
		{AddTags: []string{"\\Seen"}},
		{AddTags: []string{"\\Flagged", "\\Answered"}},
		{RemoveTags: []string{"\\Seen"}},
		{AddTags: []string{"$Label1"}, RemoveTags: []string{"\\Answered"}},
		{AddTags: []string{"\\Seen"}},
	}
	for _, change := range changes {
		change := change
		change.Messages = []mailbox.SUID{suid}
		_, err := f.universe.Enqueue(testAccount, &change)
		require.NoError(t, err)

		header, err := f.header(suid)
		require.NoError(t, err)
		assert.Equal(t, lib.SortFlags(header.Flags), header.Flags)
	}
	expected := []string{"$Label1", "\\Flagged", "\\Seen"}
	header, err := f.header(suid)
	require.NoError(t, err)
	assert.Equal(t, expected, header.Flags)

	f.universe.SetOnline(true)
	f.wait()

	remote := f.remote("INBOX", 1)
	require.Len(t, remote, 1)
	assert.Equal(t, expected, remote[0].Flags)
}

func TestUndoAfterServerDone(t *testing.T) {
	f := newFixture(t)
	suid := f.inbox(1)
	before, err := f.header(suid)
	require.NoError(t, err)
	f.universe.SetOnline(true)

	id, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{suid},
		AddTags:  []string{"\\Seen", "\\Flagged"},
	})
	require.NoError(t, err)
	f.wait()
	assert.Equal(t, []string{"\\Flagged", "\\Seen"}, f.remote("INBOX", 1)[0].Flags)

	done := &completions{}
	f.universe.mu.Lock()
	a := f.universe.accounts[testAccount]
	a.callbacks[id] = append(a.callbacks[id], done.add)
	f.universe.mu.Unlock()

	require.NoError(t, f.universe.Undo(id))
	after, err := f.header(suid)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	f.wait()

	assert.Empty(t, f.remote("INBOX", 1)[0].Flags)
	require.Len(t, done.get(), 1)
	assert.Equal(t, job.StatusUndone, done.get()[0].Status)

	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.DesireNone, op.Desire)
	assert.Equal(t, job.StatusUndone, op.Status)

	// and once more: undoing an undone operation does it again
	require.NoError(t, f.universe.Undo(id))
	f.wait()
	assert.Equal(t, []string{"\\Flagged", "\\Seen"}, f.remote("INBOX", 1)[0].Flags)
}

func TestUndoMoveAfterServerDone(t *testing.T) {
	f := newFixture(t)
	source := f.inbox(2)
	archive := f.folder("Archive")
	f.universe.SetOnline(true)

	id, err := f.universe.Enqueue(testAccount, &job.Move{
		Messages:     []mailbox.SUID{source},
		TargetFolder: archive.ID,
	})
	require.NoError(t, err)
	f.wait()
	require.Len(t, f.remote("Archive", 2), 1)

	require.NoError(t, f.universe.Undo(id))
	header, err := f.header(source)
	require.NoError(t, err)
	assert.Equal(t, lib.GenerateMessageID(2), header.MessageID)
	assert.Empty(t, f.headers("Archive"))
	f.wait()

	assert.Empty(t, f.remote("Archive", 2))
	remote := f.remote("INBOX", 2)
	require.Len(t, remote, 1)
	header, err = f.header(source)
	require.NoError(t, err)
	assert.Equal(t, remote[0].UID, header.ServerID)
}

func TestUndoMootOperation(t *testing.T) {
	f := newFixture(t)
	id, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{mailbox.NewSUID("unknown", 1)},
		AddTags:  []string{"\\Seen"},
	})
	require.NoError(t, err)
	f.universe.SetOnline(true)
	f.wait()

	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusMoot, op.Status)
	assert.ErrorIs(t, f.universe.Undo(id), job.ErrMoot)
	assert.ErrorIs(t, f.universe.Undo(testAccount+"/unknown"), ErrOperationNotFound)
}

// a crash after the copy reached the server but before the source was deleted
func TestUndoWhileRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.universe.Close())
	f.universe = f.start(func(config *Config) {
		config.MaxTryCount = 1
	})
	suid := f.inbox(1)
	done := &completions{}

	id, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{suid},
		AddTags:  []string{"\\Flagged"},
	}, WithCompletion(done.add))
	require.NoError(t, err)

	var once sync.Once
	var undoErr error
	var flagsAfterUndo []string
	f.server.SetHook(func(method, path string) {
		if method != "StoreFlags" {
			return
		}
		once.Do(func() {
			undoErr = f.universe.Undo(id)
			if header, err := f.header(suid); err == nil {
				flagsAfterUndo = header.Flags
			}
		})
	})
	f.server.InjectFault("StoreFlags", 1, false)

	f.universe.SetOnline(true)
	f.wait()

	require.NoError(t, undoErr)
	assert.NotContains(t, flagsAfterUndo, "\\Flagged")

	require.Len(t, done.get(), 1)
	assert.Equal(t, job.StatusMoot, done.get()[0].Status)
	header, err := f.header(suid)
	require.NoError(t, err)
	assert.NotContains(t, header.Flags, "\\Flagged")
	require.Len(t, f.remote("INBOX", 1), 1)
	assert.NotContains(t, f.remote("INBOX", 1)[0].Flags, "\\Flagged")
}

func TestUndoWhileRunningThenServerDone(t *testing.T) {
	f := newFixture(t)
	suid := f.inbox(1)
	done := &completions{}

	id, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{suid},
		AddTags:  []string{"\\Flagged"},
	}, WithCompletion(done.add))
	require.NoError(t, err)

	var once sync.Once
	f.server.SetHook(func(method, path string) {
		if method == "StoreFlags" {
			once.Do(func() { assert.NoError(t, f.universe.Undo(id)) })
		}
	})

	f.universe.SetOnline(true)
	f.wait()

	require.Len(t, done.get(), 1)
	assert.Equal(t, job.StatusUndone, done.get()[0].Status)
	header, err := f.header(suid)
	require.NoError(t, err)
	assert.NotContains(t, header.Flags, "\\Flagged")
	assert.NotContains(t, f.remote("INBOX", 1)[0].Flags, "\\Flagged")
	assert.Len(t, f.calls("StoreFlags"), 2)
}

func TestMoveResumesWithCheckAfterCrash(t *testing.T) {
	f := newFixture(t)
	source := f.inbox(1)
	archive := f.folder("Archive")
	id, err := f.universe.Enqueue(testAccount, &job.Move{
		Messages:     []mailbox.SUID{source},
		TargetFolder: archive.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f.universe.Close())

	// what the dead process managed to send
	conn, err := f.server.Dial(context.Background())
	require.NoError(t, err)
	uid := f.remote("INBOX", 1)[0].UID
	_, err = conn.CopyMessages("INBOX", []uint32{uid}, "Archive")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	err = f.store.Update(func(tx storage.Tx) error {
		record, err := loadRecord(tx, testAccount)
		if err != nil {
			return err
		}
		for _, op := range record.Mutations {
			if op.LongtermID == id {
				op.Status = job.StatusDoing
			}
		}
		data, err := lib.SerializeObject(record)
		if err != nil {
			return err
		}
		return tx.PutAccountState(testAccount, data)
	})
	require.NoError(t, err)
	f.server.ResetCalls()

	f.universe = f.start(nil)
	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusChecking, op.Status)

	f.universe.SetOnline(true)
	f.wait()

	assert.Empty(t, f.calls("CopyMessages"))
	assert.Empty(t, f.remote("INBOX", 1))
	assert.Len(t, f.remote("Archive", 1), 1)

	op, err = f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, op.Status)
	moved := f.headers("Archive")
	require.Len(t, moved, 1)
	assert.Equal(t, f.remote("Archive", 1)[0].UID, moved[0].ServerID)
}

func TestMoveResumesAfterCrashBeforeCopy(t *testing.T) {
	f := newFixture(t)
	source := f.inbox(1)
	archive := f.folder("Archive")
	id, err := f.universe.Enqueue(testAccount, &job.Move{
		Messages:     []mailbox.SUID{source},
		TargetFolder: archive.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f.universe.Close())

	f.universe = f.start(nil)
	f.universe.SetOnline(true)
	f.wait()

	assert.Len(t, f.calls("CopyMessages"), 1)
	assert.Empty(t, f.remote("INBOX", 1))
	assert.Len(t, f.remote("Archive", 1), 1)
	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, op.Status)
}

func TestSingleFlightPerAccount(t *testing.T) {
	f := newFixture(t)
	archive := f.folder("Archive")

	var mu sync.Mutex
	maxRunning := 0
	f.server.SetHook(func(method, path string) {
		ops, err := f.universe.Operations(testAccount)
		if err != nil {
			return
		}
		running := 0
		for _, op := range ops {
			if op.Status.Running() {
				running++
			}
		}
		mu.Lock()
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
	})

	for seq := uint32(1); seq <= 3; seq++ {
		_, err := f.universe.Enqueue(testAccount, &job.ModTags{
			Messages: []mailbox.SUID{f.inbox(seq)},
			AddTags:  []string{"\\Seen"},
		})
		require.NoError(t, err)
	}
	_, err := f.universe.Enqueue(testAccount, &job.Copy{
		Messages:     []mailbox.SUID{f.inbox(1), f.inbox(2)},
		TargetFolder: archive.ID,
	})
	require.NoError(t, err)

	f.universe.SetOnline(true)
	f.wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
}

// slowDialer gives connections whose Close waits for release
type slowDialer struct {
	dialer  storage.Dialer
	closing chan struct{}
	once    sync.Once
	release chan struct{}
}

type slowConnection struct {
	storage.Connection
	dialer *slowDialer
}

func (d *slowDialer) Dial(ctx context.Context) (storage.Connection, error) {
	conn, err := d.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &slowConnection{Connection: conn, dialer: d}, nil
}

func (c *slowConnection) Close() error {
	c.dialer.once.Do(func() { close(c.dialer.closing) })
	<-c.dialer.release
	return c.Connection.Close()
}

func TestClosingIdleConnectionsDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.universe.Close())

	dialer := &slowDialer{
		dialer:  f.server,
		closing: make(chan struct{}),
		release: make(chan struct{}),
	}
	u, err := New(Config{
		Store:         f.store,
		DeferredDelay: 50 * time.Millisecond,
		OpTimeout:     5 * time.Second,
		DebugLogger:   lib.NewTestLogger(t, "universe"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	f.universe = u
	err = u.AddAccount(AccountConfig{
		ID:      testAccount,
		Dialer:  dialer,
		Backoff: fastBackoff(),
	})
	require.NoError(t, err)

	_, err = u.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{f.inbox(1)},
		AddTags:  []string{"\\Seen"},
	})
	require.NoError(t, err)
	u.SetOnline(true)

	select {
	case <-dialer.closing:
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection never closed")
	}

	second := f.inbox(2)
	enqueued := make(chan error, 1)
	go func() {
		_, err := u.Enqueue(testAccount, &job.ModTags{
			Messages: []mailbox.SUID{second},
			AddTags:  []string{"\\Seen"},
		})
		enqueued <- err
	}()
	select {
	case err := <-enqueued:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("enqueue blocked by a connection closing")
	}

	close(dialer.release)
	f.wait()
	header, err := f.header(second)
	require.NoError(t, err)
	assert.Contains(t, header.Flags, "\\Seen")
}

func TestRetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	f.server.InjectFault("StoreFlags", 10, false)
	done := &completions{}

	_, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{f.inbox(1)},
		AddTags:  []string{"\\Seen"},
	}, WithCompletion(done.add))
	require.NoError(t, err)
	f.universe.SetOnline(true)
	f.wait()

	assert.Len(t, f.calls("StoreFlags"), DefaultMaxTryCount)
	require.Len(t, done.get(), 1)
	assert.Equal(t, job.StatusMoot, done.get()[0].Status)
	assert.ErrorIs(t, done.get()[0].Err, job.ErrAbortedRetry)
}

func TestMissingServerFolderIsMoot(t *testing.T) {
	f := newFixture(t)
	done := &completions{}

	// the target folder only exists locally
	err := f.store.Update(func(tx storage.Tx) error {
		return tx.PutFolder(&mailbox.Folder{AccountID: testAccount, Path: "Local", Name: "Local", Type: mailbox.FolderNormal})
	})
	require.NoError(t, err)
	local := f.folder("Local")

	_, err = f.universe.Enqueue(testAccount, &job.Copy{
		Messages:     []mailbox.SUID{f.inbox(1)},
		TargetFolder: local.ID,
	}, WithCompletion(done.add))
	require.NoError(t, err)
	f.universe.SetOnline(true)
	f.wait()

	require.Len(t, done.get(), 1)
	assert.Equal(t, job.StatusMoot, done.get()[0].Status)
	assert.Len(t, f.calls("CopyMessages"), 1)
}

func TestUnknownErrorsCountDouble(t *testing.T) {
	f := newFixture(t)
	u := f.universe
	id, err := u.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{f.inbox(1)},
		AddTags:  []string{"\\Seen"},
	})
	require.NoError(t, err)

	u.mu.Lock()
	defer u.mu.Unlock()
	a := u.accounts[testAccount]
	op, ok := a.queue.Get(id)
	require.True(t, ok)
	exec := &driver.Execution{Op: op, Mode: job.ModeDo, Err: errors.New("unexpected response")}

	retired, err := u.transitionLocked(a, nil, op, exec, job.StatusNone)
	require.NoError(t, err)
	assert.Empty(t, retired)
	assert.Equal(t, DefaultUnknownErrorStep, op.TryCount)
	assert.Equal(t, job.StatusChecking, op.Status)

	retired, err = u.transitionLocked(a, nil, op, exec, job.StatusChecking)
	require.NoError(t, err)
	require.Len(t, retired, 1)
	assert.Equal(t, job.StatusMoot, retired[0].completion.Status)
	assert.False(t, a.queue.Queued(id))
}

func TestAuthenticationFailureGivesUp(t *testing.T) {
	f := newFixture(t)
	f.server.SetAuthFailure(true)
	done := &completions{}

	id, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{f.inbox(1)},
		AddTags:  []string{"\\Seen"},
	}, WithCompletion(done.add))
	require.NoError(t, err)
	f.universe.SetOnline(true)
	f.wait()

	require.Len(t, done.get(), 1)
	assert.Equal(t, job.StatusMoot, done.get()[0].Status)
	assert.ErrorIs(t, done.get()[0].Err, job.ErrGiveUp)

	problems, err := f.universe.Problems(testAccount)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, id, problems[0].LongtermID)
	assert.Equal(t, job.TypeModTags, problems[0].Type)
}

func TestOperationsRunInOrder(t *testing.T) {
	f := newFixture(t)
	done := &completions{}
	ids := make([]string, 0, 3)
	for seq := uint32(1); seq <= 3; seq++ {
		id, err := f.universe.Enqueue(testAccount, &job.ModTags{
			Messages: []mailbox.SUID{f.inbox(seq)},
			AddTags:  []string{"\\Seen"},
		}, WithCompletion(done.add))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	f.universe.SetOnline(true)
	f.wait()

	completed := make([]string, 0, 3)
	for _, completion := range done.get() {
		completed = append(completed, completion.LongtermID)
	}
	assert.Equal(t, ids, completed)
	// each operation sends its own command, in the same order
	expected := make([]string, 0, 3)
	for range ids {
		expected = append(expected, "StoreFlags INBOX")
	}
	assert.Equal(t, expected, f.calls("StoreFlags"))
}

func TestDisabledAccountKeepsOperations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.universe.SetAccountEnabled(testAccount, false))
	f.universe.SetOnline(true)

	id, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{f.inbox(1)},
		AddTags:  []string{"\\Seen"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.universe.WaitForAllOpsComplete(ctx, testAccount), context.DeadlineExceeded)
	assert.Empty(t, f.server.Calls())

	require.NoError(t, f.universe.SetAccountEnabled(testAccount, true))
	f.wait()
	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, op.Status)
}

func TestOperationsSurviveRestart(t *testing.T) {
	f := newFixture(t)
	id, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{f.inbox(1)},
		AddTags:  []string{"\\Seen"},
	})
	require.NoError(t, err)
	require.NoError(t, f.universe.Close())
	_, err = f.universe.Enqueue(testAccount, &job.ModTags{})
	assert.ErrorIs(t, err, ErrClosed)

	f.universe = f.start(nil)
	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.DesireDo, op.Desire)
	assert.Equal(t, job.StatusChecking, op.Status)
	assert.Equal(t, job.StatusDone, op.LocalStatus)

	// the counter of the longterm IDs is persisted
	next, err := f.universe.Enqueue(testAccount, &job.ModTags{
		Messages: []mailbox.SUID{f.inbox(2)},
		AddTags:  []string{"\\Seen"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, id, next)

	f.universe.SetOnline(true)
	f.wait()
	assert.Contains(t, f.remote("INBOX", 1)[0].Flags, "\\Seen")
	assert.Contains(t, f.remote("INBOX", 2)[0].Flags, "\\Seen")
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.universe.Close())
	f.universe = f.start(func(config *Config) {
		config.HistoryLimit = 2
	})
	f.universe.SetOnline(true)
	for i := 0; i < 5; i++ {
		_, err := f.universe.Enqueue(testAccount, &job.ModTags{
			Messages: []mailbox.SUID{f.inbox(1)},
			AddTags:  []string{"\\Seen"},
		})
		require.NoError(t, err)
		f.wait()
	}
	ops, err := f.universe.Operations(testAccount)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestRetryDeferred(t *testing.T) {
	f := newFixture(t, "Archive")
	require.NoError(t, f.universe.Close())
	f.universe = f.start(func(config *Config) {
		config.DeferredDelay = time.Hour
	})
	suid := f.inbox(1)

	id, err := f.universe.Enqueue(testAccount, &job.Delete{
		Move: job.Move{Messages: []mailbox.SUID{suid}},
	})
	require.NoError(t, err)
	f.universe.SetOnline(true)

	// the trash folder gets created, but the delete waits for the delay
	require.Eventually(t, func() bool {
		ops, err := f.universe.Operations(testAccount)
		if err != nil {
			return false
		}
		for _, op := range ops {
			if op.Type() == job.TypeCreateFolder && op.Desire != job.DesireNone {
				return false
			}
		}
		return len(ops) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, f.calls("CreateFolder"), 2)
	op, err := f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.DesireDo, op.Desire)

	f.universe.RetryDeferred()
	f.wait()
	op, err = f.universe.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, op.Status)
	assert.Len(t, f.remote("Trash", 1), 1)
}
